// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload is returned when a payload does not match the schema
// registered for its job type.
var ErrInvalidPayload = errors.New("jobdispatch: invalid payload")

// PayloadValidator checks job payloads against JSON schemas, one per job
// type. Job types without a schema accept any payload.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the given schemas, keyed by job type.
func NewPayloadValidator(schemas map[string]string) (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[string]*jsonschema.Schema, len(schemas))}
	compiler := jsonschema.NewCompiler()
	for jobType, src := range schemas {
		url := "mem://payload/" + jobType + ".json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("jobdispatch: add schema for %s: %w", jobType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("jobdispatch: compile schema for %s: %w", jobType, err)
		}
		v.schemas[jobType] = schema
	}
	return v, nil
}

// Validate returns an error wrapping ErrInvalidPayload if payload does
// not match the schema of jobType.
func (v *PayloadValidator) Validate(jobType string, payload map[string]interface{}) error {
	schema, found := v.schemas[jobType]
	if !found {
		return nil
	}
	// Round-trip through JSON so the validator only sees JSON types.
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	return nil
}
