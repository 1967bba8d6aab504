// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package ingest stores new content items and starts the jobs that
// summarize and embed them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
)

// DefaultSource is used for content without a source.
const DefaultSource = "unknown"

// Submitter submits jobs. It is implemented by *jobdispatch.Manager.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error)
}

// Content is a piece of content to ingest.
type Content struct {
	Source   string                 `json:"source"`
	Title    string                 `json:"title"`
	Abstract string                 `json:"abstract,omitempty"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the outcome of Ingest.
type Result struct {
	ItemID         string `json:"item_id"`
	Duplicate      bool   `json:"duplicate"`
	SummarizeJobID string `json:"summarize_job_id,omitempty"`
	EmbedJobID     string `json:"embed_job_id,omitempty"`
}

// Status returns "duplicate" or "processing".
func (r *Result) Status() string {
	if r.Duplicate {
		return "duplicate"
	}
	return "processing"
}

// Ingestor ingests content. Create one with New.
type Ingestor struct {
	items    item.Store
	submit   Submitter
	jobs     jobdispatch.Store
	logger   *slog.Logger
	priority int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingestor) {
		in.logger = logger
	}
}

// WithJobs sets the job store. With it, ingesting a duplicate submits the
// summarize or embed job that an earlier Ingest failed to submit.
func WithJobs(jobs jobdispatch.Store) Option {
	return func(in *Ingestor) {
		in.jobs = jobs
	}
}

// WithPriority sets the priority of the submitted jobs. The default of 0
// uses the default priority of the hot lane.
func WithPriority(priority int) Option {
	return func(in *Ingestor) {
		in.priority = priority
	}
}

// New creates an Ingestor that stores items in items and submits jobs
// via submit.
func New(items item.Store, submit Submitter, options ...Option) *Ingestor {
	in := &Ingestor{
		items:  items,
		submit: submit,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(in)
	}
	return in
}

// Ingest stores the content under its deterministic item ID and submits
// a summarize and an embed job for it. Content that was ingested before
// is reported as a duplicate. No jobs are submitted for a duplicate unless
// WithJobs is set and the item lacks a summary or an embedding with no
// pending or in-progress job deriving it. Without WithJobs, the backfill
// job recovers items whose jobs were never submitted.
func (in *Ingestor) Ingest(ctx context.Context, c Content) (*Result, error) {
	if strings.TrimSpace(c.Content) == "" && strings.TrimSpace(c.Title) == "" {
		return nil, errors.New("ingest: content or title is required")
	}
	source := c.Source
	if source == "" {
		source = DefaultSource
	}
	id := item.ID(source, c.Title, c.Content)
	created, err := in.items.UpsertItem(ctx, &item.Item{
		ID:       id,
		Source:   source,
		Title:    c.Title,
		Abstract: c.Abstract,
		Content:  c.Content,
		Metadata: c.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: store item %s: %w", id, err)
	}
	res := &Result{ItemID: id}
	summarize, embed := true, true
	if !created {
		res.Duplicate = true
		summarize, embed, err = in.missing(ctx, id)
		if err != nil {
			return res, err
		}
		in.logger.Info("ingest.duplicate", "item_id", id, "resubmit_summarize", summarize, "resubmit_embed", embed)
		if !summarize && !embed {
			return res, nil
		}
	}

	if summarize {
		res.SummarizeJobID, err = in.submit.Submit(ctx, jobdispatch.Summarize, map[string]interface{}{"item_id": id}, in.priority)
		if err != nil {
			return res, fmt.Errorf("ingest: submit summarize for %s: %w", id, err)
		}
	}
	if embed {
		res.EmbedJobID, err = in.submit.Submit(ctx, jobdispatch.Embed, map[string]interface{}{"item_id": id}, in.priority)
		if err != nil {
			return res, fmt.Errorf("ingest: submit embed for %s: %w", id, err)
		}
	}
	in.logger.Info("ingest.stored",
		"item_id", id,
		"summarize_job_id", res.SummarizeJobID,
		"embed_job_id", res.EmbedJobID,
	)
	return res, nil
}

// missing reports which derived jobs a stored item still needs.
func (in *Ingestor) missing(ctx context.Context, id string) (summarize, embed bool, err error) {
	if in.jobs == nil {
		return false, false, nil
	}
	it, err := in.items.LookupItem(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("ingest: lookup item %s: %w", id, err)
	}
	if it.Summary == "" {
		active, err := jobdispatch.ActiveItems(ctx, in.jobs, jobdispatch.Summarize)
		if err != nil {
			return false, false, fmt.Errorf("ingest: list summarize jobs: %w", err)
		}
		summarize = !active[id]
	}
	if len(it.Embedding) == 0 {
		active, err := jobdispatch.ActiveItems(ctx, in.jobs, jobdispatch.Embed)
		if err != nil {
			return false, false, fmt.Errorf("ingest: list embed jobs: %w", err)
		}
		embed = !active[id]
	}
	return summarize, embed, nil
}
