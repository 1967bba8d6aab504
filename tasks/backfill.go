// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
)

const (
	defaultBackfillLimit    = 100
	defaultBackfillPriority = 3
)

// backfill finds items without a summary or an embedding and submits the
// jobs that derive them, at backfill priority so they do not crowd out
// fresh ingests. Items with a pending or in-progress job of the same type
// are skipped when the job store is known.
func (t *tasks) backfill(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	if t.Items == nil || t.Submit == nil {
		return nil, errors.New("backfill: item store and submitter are required")
	}
	source := payloadString(job, "source")
	limit := payloadInt(job, "limit", defaultBackfillLimit)
	priority := payloadInt(job, "job_priority", defaultBackfillPriority)

	type pass struct {
		jobType string
		req     *item.ListRequest
	}
	passes := []pass{
		{jobdispatch.Summarize, &item.ListRequest{Source: source, MissingSummary: true, Limit: limit}},
		{jobdispatch.Embed, &item.ListRequest{Source: source, MissingEmbedding: true, Limit: limit}},
	}
	submitted := make(map[string]int)
	skipped := 0
	var jobIDs []string
	for i, p := range passes {
		items, err := t.Items.ListItems(ctx, p.req)
		if err != nil {
			return nil, fmt.Errorf("backfill: list items: %w", err)
		}
		active := make(map[string]bool)
		if t.Jobs != nil {
			active, err = jobdispatch.ActiveItems(ctx, t.Jobs, p.jobType)
			if err != nil {
				return nil, fmt.Errorf("backfill: list %s jobs: %w", p.jobType, err)
			}
		}
		for _, it := range items {
			if active[it.ID] {
				skipped++
				continue
			}
			id, err := t.Submit.Submit(ctx, p.jobType, map[string]interface{}{"item_id": it.ID}, priority)
			if err != nil {
				return nil, fmt.Errorf("backfill: submit %s for %s: %w", p.jobType, it.ID, err)
			}
			submitted[p.jobType]++
			jobIDs = append(jobIDs, id)
		}
		progress((i + 1) * 100 / (len(passes) + 1))
	}
	t.Logger.Info("tasks.backfill.done",
		"job_id", job.ID,
		"summarize", submitted[jobdispatch.Summarize],
		"embed", submitted[jobdispatch.Embed],
		"skipped", skipped,
	)
	return map[string]interface{}{
		"submitted_summarize": submitted[jobdispatch.Summarize],
		"submitted_embed":     submitted[jobdispatch.Embed],
		"skipped":             skipped,
		"job_ids":             jobIDs,
	}, nil
}
