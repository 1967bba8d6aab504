// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/ingest"
	"github.com/olivere/jobdispatch/item"
)

func noop(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	return nil, nil
}

func newManager(t *testing.T, store jobdispatch.Store) *jobdispatch.Manager {
	t.Helper()
	m := jobdispatch.New(jobdispatch.SetStore(store))
	for _, jobType := range []string{jobdispatch.Summarize, jobdispatch.Embed} {
		if err := m.Register(jobType, noop); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	jobs := jobdispatch.NewInMemoryStore()
	items := item.NewInMemoryStore()
	in := ingest.New(items, newManager(t, jobs), ingest.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	c := ingest.Content{
		Source:   "arxiv",
		Title:    "Attention Is All You Need",
		Abstract: "The dominant sequence transduction models...",
		Content:  "We propose a new simple network architecture, the Transformer.",
		Metadata: map[string]interface{}{"year": 2017},
	}
	res, err := in.Ingest(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := res.ItemID, item.ID("arxiv", c.Title, c.Content); have != want {
		t.Fatalf("ItemID = %q, want %q", have, want)
	}
	if !strings.HasPrefix(res.ItemID, "arxiv:") {
		t.Fatalf("ItemID = %q", res.ItemID)
	}
	if res.Duplicate {
		t.Fatal("expected a new item")
	}
	if have, want := res.Status(), "processing"; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}

	for jobID, jobType := range map[string]string{res.SummarizeJobID: jobdispatch.Summarize, res.EmbedJobID: jobdispatch.Embed} {
		job, err := jobs.Lookup(ctx, jobID)
		if err != nil {
			t.Fatalf("job %s: %v", jobID, err)
		}
		if have, want := job.Type, jobType; have != want {
			t.Fatalf("Type = %q, want %q", have, want)
		}
		if have, want := job.State, jobdispatch.Pending; have != want {
			t.Fatalf("State = %q, want %q", have, want)
		}
		if have, want := job.Priority, 10; have != want {
			t.Fatalf("Priority = %d, want %d", have, want)
		}
		if have, want := job.Payload["item_id"], res.ItemID; have != want {
			t.Fatalf("item_id = %v, want %v", have, want)
		}
	}

	it, err := items.LookupItem(ctx, res.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := it.Abstract, c.Abstract; have != want {
		t.Fatalf("Abstract = %q, want %q", have, want)
	}

	// Same content again
	res, err = in.Ingest(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("expected a duplicate")
	}
	if res.SummarizeJobID != "" || res.EmbedJobID != "" {
		t.Fatalf("expected no jobs for a duplicate, got %+v", res)
	}
	stats, err := jobs.Stats(ctx, &jobdispatch.StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Pending, 2; have != want {
		t.Fatalf("Pending = %d, want %d", have, want)
	}
}

func TestIngestDefaultSource(t *testing.T) {
	in := ingest.New(item.NewInMemoryStore(), newManager(t, jobdispatch.NewInMemoryStore()))
	res, err := in.Ingest(context.Background(), ingest.Content{Title: "Notes"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.ItemID, ingest.DefaultSource+":") {
		t.Fatalf("ItemID = %q", res.ItemID)
	}
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	in := ingest.New(item.NewInMemoryStore(), newManager(t, jobdispatch.NewInMemoryStore()))
	if _, err := in.Ingest(context.Background(), ingest.Content{Source: "arxiv"}); err == nil {
		t.Fatal("expected an error")
	}
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error) {
	return "", jobdispatch.ErrUnmappedJobType
}

func TestIngestSubmitFailure(t *testing.T) {
	items := item.NewInMemoryStore()
	in := ingest.New(items, failingSubmitter{})
	res, err := in.Ingest(context.Background(), ingest.Content{Source: "github", Title: "repo", Content: "readme"})
	if !errors.Is(err, jobdispatch.ErrUnmappedJobType) {
		t.Fatalf("expected ErrUnmappedJobType, got %v", err)
	}
	// The item is stored even if the jobs could not be submitted
	if _, err := items.LookupItem(context.Background(), res.ItemID); err != nil {
		t.Fatal(err)
	}
}

func TestIngestResubmitsAfterSubmitFailure(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	c := ingest.Content{Source: "github", Title: "repo", Content: "readme"}

	// The item is stored, but its jobs are lost
	if _, err := ingest.New(items, failingSubmitter{}).Ingest(ctx, c); err == nil {
		t.Fatal("expected an error")
	}

	jobs := jobdispatch.NewInMemoryStore()
	in := ingest.New(items, newManager(t, jobs), ingest.WithJobs(jobs))
	res, err := in.Ingest(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("expected a duplicate")
	}
	if res.SummarizeJobID == "" || res.EmbedJobID == "" {
		t.Fatalf("expected both jobs to be submitted again, got %+v", res)
	}

	// The jobs are pending now, so another retry submits nothing
	res, err = in.Ingest(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.SummarizeJobID != "" || res.EmbedJobID != "" {
		t.Fatalf("expected no jobs, got %+v", res)
	}

	// Once summarized, only the embedding is missing
	if err := items.SetSummary(ctx, res.ItemID, "A repository."); err != nil {
		t.Fatal(err)
	}
	pending, err := jobs.List(ctx, &jobdispatch.ListRequest{Type: jobdispatch.Embed, State: jobdispatch.Pending})
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range pending.Jobs {
		if _, err := jobs.Begin(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := jobs.Finish(ctx, job.ID, jobdispatch.Failed, map[string]interface{}{"error": "down"}); err != nil {
			t.Fatal(err)
		}
	}
	res, err = in.Ingest(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.SummarizeJobID != "" {
		t.Fatalf("expected no summarize job, got %q", res.SummarizeJobID)
	}
	if res.EmbedJobID == "" {
		t.Fatal("expected an embed job")
	}
}
