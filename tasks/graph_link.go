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

// DefaultSimilarity is the cosine similarity above which two items are
// linked.
const DefaultSimilarity = 0.8

// graphLink links items with similar embeddings. With item_id in the
// payload only that item is linked, otherwise all embedded items are.
func (t *tasks) graphLink(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	if t.Items == nil {
		return nil, errors.New("graph_link: no item store configured")
	}
	threshold := payloadFloat(job, "threshold", DefaultSimilarity)
	items, err := t.Items.ListItems(ctx, &item.ListRequest{
		Source:        payloadString(job, "source"),
		WithEmbedding: true,
		Limit:         payloadInt(job, "limit", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("graph_link: list items: %w", err)
	}

	sources := items
	if id := payloadString(job, "item_id"); id != "" {
		it, err := t.Items.LookupItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("graph_link: item %s: %w", id, err)
		}
		if len(it.Embedding) == 0 {
			return nil, fmt.Errorf("graph_link: item %s has no embedding", id)
		}
		sources = []*item.Item{it}
	}
	progress(20)

	var edges []*item.Edge
	var compared int
	for _, a := range sources {
		for _, b := range items {
			if a.ID == b.ID {
				continue
			}
			compared++
			if score := cosine(a.Embedding, b.Embedding); score >= threshold {
				edges = append(edges, &item.Edge{SourceID: a.ID, TargetID: b.ID, Relation: item.Similar, Score: score})
			}
		}
	}
	progress(80)

	if err := t.Items.AddEdges(ctx, edges); err != nil {
		return nil, fmt.Errorf("graph_link: add edges: %w", err)
	}
	t.Logger.Info("tasks.graph_link.done", "job_id", job.ID, "compared", compared, "edges", len(edges))
	return map[string]interface{}{
		"compared":  compared,
		"edges":     len(edges),
		"threshold": threshold,
	}, nil
}
