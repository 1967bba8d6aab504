// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olivere/jobdispatch"
)

// Maintenance operations, given in the task field of the payload.
const (
	PruneJobs = "prune_jobs"
	PingStore = "ping_store"
)

const defaultRetentionHours = 7 * 24

func (t *tasks) maintenance(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	if t.Jobs == nil {
		return nil, errors.New("maintenance: no job store configured")
	}
	switch op := payloadString(job, "task"); op {
	case PruneJobs:
		hours := payloadInt(job, "retention_hours", defaultRetentionHours)
		before := t.Now().Add(-time.Duration(hours) * time.Hour)
		n, err := t.Jobs.Prune(ctx, before.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("maintenance: prune: %w", err)
		}
		t.Logger.Info("tasks.maintenance.pruned", "job_id", job.ID, "removed", n, "retention_hours", hours)
		return map[string]interface{}{
			"task":            op,
			"removed":         n,
			"retention_hours": hours,
		}, nil
	case PingStore:
		stats, err := t.Jobs.Stats(ctx, &jobdispatch.StatsRequest{})
		if err != nil {
			return nil, fmt.Errorf("maintenance: ping store: %w", err)
		}
		return map[string]interface{}{
			"task":        op,
			"pending":     stats.Pending,
			"in_progress": stats.InProgress,
			"completed":   stats.Completed,
			"failed":      stats.Failed,
		}, nil
	default:
		return nil, fmt.Errorf("maintenance: unknown task %q", op)
	}
}
