// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package tasks implements the processors for the job types known to the
// default queue router: summarize, embed, ocr, vlm, backfill, graph_link,
// and maintenance.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
	"github.com/olivere/jobdispatch/provider"
)

// Chatter sends a chat request to an inference provider.
// It is implemented by *provider.Router.
type Chatter interface {
	Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Submitter submits follow-up jobs. It is implemented by
// *jobdispatch.Manager.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error)
}

// Deps are the collaborators of the processors.
type Deps struct {
	Chat     Chatter           // required by summarize and vlm
	Items    item.Store        // required by embed, backfill, and graph_link
	Jobs     jobdispatch.Store // required by maintenance, lets backfill skip items with live jobs
	Submit   Submitter         // required by backfill
	Embedder Embedder          // defaults to a HashEmbedder
	Runner   Runner            // runs tesseract for ocr, defaults to ExecRunner
	Logger   *slog.Logger
	Now      func() time.Time
}

// Processors returns the processor of every job type, keyed by job type.
func Processors(deps Deps) map[string]jobdispatch.Processor {
	t := newTasks(deps)
	return map[string]jobdispatch.Processor{
		jobdispatch.Summarize:   t.summarize,
		jobdispatch.Embed:       t.embed,
		jobdispatch.OCR:         t.ocr,
		jobdispatch.VLM:         t.vlm,
		jobdispatch.Backfill:    t.backfill,
		jobdispatch.GraphLink:   t.graphLink,
		jobdispatch.Maintenance: t.maintenance,
	}
}

// Register registers all processors with the manager.
func Register(m *jobdispatch.Manager, deps Deps) error {
	for jobType, p := range Processors(deps) {
		if err := m.Register(jobType, p); err != nil {
			return err
		}
	}
	return nil
}

type tasks struct {
	Deps
}

func newTasks(deps Deps) *tasks {
	if deps.Embedder == nil {
		deps.Embedder = NewHashEmbedder(DefaultDimensions)
	}
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &tasks{Deps: deps}
}

// -- Payload helpers --

func payloadString(job *jobdispatch.Job, key string) string {
	if v, ok := job.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadFloat(job *jobdispatch.Job, key string, def float64) float64 {
	switch v := job.Payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func payloadInt(job *jobdispatch.Job, key string, def int) int {
	return int(payloadFloat(job, key, float64(def)))
}

// content returns the text to work on: the content of the item named by
// item_id, or the content field of the payload.
func (t *tasks) content(ctx context.Context, job *jobdispatch.Job) (string, *item.Item, error) {
	if id := payloadString(job, "item_id"); id != "" {
		if t.Items == nil {
			return "", nil, fmt.Errorf("%s: no item store configured", job.Type)
		}
		it, err := t.Items.LookupItem(ctx, id)
		if err != nil {
			return "", nil, fmt.Errorf("%s: item %s: %w", job.Type, id, err)
		}
		text := it.Content
		if text == "" {
			text = it.Abstract
		}
		if text == "" {
			text = it.Title
		}
		return text, it, nil
	}
	if text := payloadString(job, "content"); text != "" {
		return text, nil, nil
	}
	return "", nil, fmt.Errorf("%s: payload needs item_id or content", job.Type)
}
