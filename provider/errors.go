// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// errDecode is wrapped by errors for responses that are not well-formed.
var errDecode = errors.New("malformed response")

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string // truncated
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider %s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Cause is the failure of a single attempt.
type Cause struct {
	Provider string
	URL      string
	Role     string
	Err      error
}

// FailoverError is returned by Router.Route when both the primary and the
// secondary provider failed. It names both providers and both causes.
type FailoverError struct {
	Causes []Cause
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	b.WriteString("both providers failed:")
	for i, c := range e.Causes {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " %s (%s, %s): %v", c.Role, c.Provider, c.URL, c.Err)
	}
	return b.String()
}

// Unwrap returns the underlying causes.
func (e *FailoverError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes))
	for _, c := range e.Causes {
		errs = append(errs, c.Err)
	}
	return errs
}

// Diagnostics is stored in the result of a failed job.
func (e *FailoverError) Diagnostics() map[string]interface{} {
	causes := make([]interface{}, 0, len(e.Causes))
	for _, c := range e.Causes {
		causes = append(causes, map[string]interface{}{
			"provider": c.Provider,
			"url":      c.URL,
			"role":     c.Role,
			"error":    c.Err.Error(),
			"kind":     errorKind(c.Err),
		})
	}
	return map[string]interface{}{"causes": causes}
}

// errorKind classifies a failed attempt for metrics.
func errorKind(err error) string {
	var se *StatusError
	var ne net.Error
	switch {
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, errDecode):
		return "decode"
	default:
		return "transport"
	}
}
