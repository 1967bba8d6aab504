// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
	"github.com/olivere/jobdispatch/provider"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeChat struct {
	mu   sync.Mutex
	reqs []*provider.ChatRequest
	rsp  *provider.ChatResponse
	err  error
}

func (c *fakeChat) Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	rsp := *c.rsp
	return &rsp, nil
}

type fakeRunner struct {
	name string
	args []string
	out  string
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.name = name
	r.args = args
	return []byte(r.out), r.err
}

type submission struct {
	JobType  string
	ItemID   string
	Priority int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
}

func (s *fakeSubmitter) Submit(ctx context.Context, jobType string, payload map[string]interface{}, priority int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := payload["item_id"].(string)
	s.subs = append(s.subs, submission{JobType: jobType, ItemID: id, Priority: priority})
	return fmt.Sprintf("job_%d", len(s.subs)), nil
}

// recorder collects reported progress values.
type recorder struct {
	values []int
}

func (r *recorder) progress(p int) { r.values = append(r.values, p) }

func (r *recorder) String() string { return fmt.Sprint(r.values) }

func newJob(jobType string, payload map[string]interface{}) *jobdispatch.Job {
	return &jobdispatch.Job{ID: "job_1", Type: jobType, Payload: payload, State: jobdispatch.InProgress}
}

func addItem(t *testing.T, st item.Store, it *item.Item) {
	t.Helper()
	if _, err := st.UpsertItem(context.Background(), it); err != nil {
		t.Fatal(err)
	}
}

func TestSummarizeItem(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	content := strings.Repeat("a", 5000)
	addItem(t, items, &item.Item{ID: "arxiv:1", Source: "arxiv", Title: "T", Content: content})
	chat := &fakeChat{rsp: &provider.ChatResponse{
		Provider: "vllm",
		Model:    "llama",
		Content:  "  A short summary.\n",
		Usage:    provider.Usage{TotalTokens: 42},
	}}
	tk := newTasks(Deps{Chat: chat, Items: items, Logger: discard})

	var rec recorder
	result, err := tk.summarize(ctx, newJob(jobdispatch.Summarize, map[string]interface{}{"item_id": "arxiv:1"}), rec.progress)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rec.String(), "[20 80]"; have != want {
		t.Fatalf("progress = %s, want %s", have, want)
	}
	if have, want := result["summary"], "A short summary."; have != want {
		t.Fatalf("summary = %q, want %q", have, want)
	}
	if have, want := result["tokens_used"], 42; have != want {
		t.Fatalf("tokens_used = %v, want %v", have, want)
	}
	if have, want := result["provider"], "vllm"; have != want {
		t.Fatalf("provider = %v, want %v", have, want)
	}

	req := chat.reqs[0]
	if req.MaxTokens != 512 || req.Temperature != 0.3 {
		t.Fatalf("request = %+v", req)
	}
	prompt := req.Messages[0].Content
	if !strings.HasPrefix(prompt, "Please provide a concise summary of the following research content.") {
		t.Fatalf("prompt = %q", prompt)
	}
	if have, want := strings.Count(prompt, "a"), MaxSummaryInput+strings.Count(summaryPrompt(""), "a"); have != want {
		t.Fatalf("prompt contains %d a's, want %d", have, want)
	}

	it, err := items.LookupItem(ctx, "arxiv:1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := it.Summary, "A short summary."; have != want {
		t.Fatalf("item summary = %q, want %q", have, want)
	}
}

func TestSummarizeErrors(t *testing.T) {
	ctx := context.Background()
	failover := &provider.FailoverError{Causes: []provider.Cause{
		{Provider: "vllm", Role: provider.Primary, Err: errors.New("timeout")},
		{Provider: "ollama", Role: provider.Secondary, Err: errors.New("refused")},
	}}
	tk := newTasks(Deps{Chat: &fakeChat{err: failover}, Items: item.NewInMemoryStore(), Logger: discard})

	_, err := tk.summarize(ctx, newJob(jobdispatch.Summarize, map[string]interface{}{"content": "text"}), func(int) {})
	var fe *provider.FailoverError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FailoverError, got %v", err)
	}

	_, err = tk.summarize(ctx, newJob(jobdispatch.Summarize, nil), func(int) {})
	if err == nil || !strings.Contains(err.Error(), "item_id or content") {
		t.Fatalf("expected payload error, got %v", err)
	}

	_, err = tk.summarize(ctx, newJob(jobdispatch.Summarize, map[string]interface{}{"item_id": "missing"}), func(int) {})
	if !errors.Is(err, item.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		In   string
		N    int
		Want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"äöü", 3, "ä"},
		{"äöü", 4, "äö"},
	}
	for _, tt := range tests {
		if have := truncate(tt.In, tt.N); have != tt.Want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.In, tt.N, have, tt.Want)
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)
	if have, want := e.Dimensions(), DefaultDimensions; have != want {
		t.Fatalf("Dimensions = %d, want %d", have, want)
	}
	a, _ := e.Embed(ctx, "Attention is all you need for sequence transduction")
	b, _ := e.Embed(ctx, "attention is all you need for neural sequence transduction")
	c, _ := e.Embed(ctx, "Bananas grow in tropical climates")
	if have, want := len(a), DefaultDimensions; have != want {
		t.Fatalf("len = %d, want %d", have, want)
	}
	if s := cosine(a, a); s < 0.999 {
		t.Fatalf("cosine(a, a) = %f", s)
	}
	if cosine(a, b) <= cosine(a, c) {
		t.Fatalf("expected similar texts to be closer: %f <= %f", cosine(a, b), cosine(a, c))
	}
	zero, _ := e.Embed(ctx, "  ")
	if cosine(zero, a) != 0 {
		t.Fatal("expected cosine with the zero vector to be 0")
	}
}

func TestEmbedItem(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	addItem(t, items, &item.Item{ID: "github:1", Source: "github", Title: "R", Abstract: "a readme"})
	tk := newTasks(Deps{Items: items, Logger: discard})

	var rec recorder
	result, err := tk.embed(ctx, newJob(jobdispatch.Embed, map[string]interface{}{"item_id": "github:1"}), rec.progress)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rec.String(), "[20 80]"; have != want {
		t.Fatalf("progress = %s, want %s", have, want)
	}
	if have, want := result["dimensions"], DefaultDimensions; have != want {
		t.Fatalf("dimensions = %v, want %v", have, want)
	}
	id, _ := result["embedding_id"].(string)
	if !strings.HasPrefix(id, "emb_") {
		t.Fatalf("embedding_id = %q", id)
	}
	it, err := items.LookupItem(ctx, "github:1")
	if err != nil {
		t.Fatal(err)
	}
	if it.EmbeddingID != id || len(it.Embedding) != DefaultDimensions {
		t.Fatalf("item = %+v", it)
	}
}

func TestOCR(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{out: "  Extracted text\n"}
	tk := newTasks(Deps{Runner: runner, Logger: discard})

	result, err := tk.ocr(ctx, newJob(jobdispatch.OCR, map[string]interface{}{"pdf_path": "/tmp/paper.pdf", "lang": "deu"}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := runner.name, "tesseract"; have != want {
		t.Fatalf("command = %q, want %q", have, want)
	}
	if have, want := strings.Join(runner.args, " "), "/tmp/paper.pdf stdout -l deu"; have != want {
		t.Fatalf("args = %q, want %q", have, want)
	}
	if have, want := result["text_extracted"], "Extracted text"; have != want {
		t.Fatalf("text_extracted = %q, want %q", have, want)
	}
	if have, want := result["pages_processed"], "all"; have != want {
		t.Fatalf("pages_processed = %q, want %q", have, want)
	}

	runner.err = errors.New("exit status 1")
	if _, err := tk.ocr(ctx, newJob(jobdispatch.OCR, map[string]interface{}{"pdf_path": "x.pdf"}), func(int) {}); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := tk.ocr(ctx, newJob(jobdispatch.OCR, nil), func(int) {}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestVLM(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{rsp: &provider.ChatResponse{Provider: "ollama", Content: "A cat."}}
	tk := newTasks(Deps{Chat: chat, Logger: discard})

	path := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	result, err := tk.vlm(ctx, newJob(jobdispatch.VLM, map[string]interface{}{"image_path": path}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["description"], "A cat."; have != want {
		t.Fatalf("description = %q, want %q", have, want)
	}
	msg := chat.reqs[0].Messages[0]
	if have, want := msg.Content, "Describe this image"; have != want {
		t.Fatalf("prompt = %q, want %q", have, want)
	}
	if have, want := msg.Images[0], base64.StdEncoding.EncodeToString([]byte("png")); have != want {
		t.Fatalf("image = %q, want %q", have, want)
	}

	_, err = tk.vlm(ctx, newJob(jobdispatch.VLM, map[string]interface{}{"image_path": filepath.Join(t.TempDir(), "missing.png")}), func(int) {})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	addItem(t, items, &item.Item{ID: "a", Source: "arxiv", Title: "A"})
	addItem(t, items, &item.Item{ID: "b", Source: "arxiv", Title: "B", Summary: "done"})
	addItem(t, items, &item.Item{ID: "c", Source: "arxiv", Title: "C", Summary: "done", Embedding: []float32{1}})
	sub := &fakeSubmitter{}
	tk := newTasks(Deps{Items: items, Submit: sub, Logger: discard})

	result, err := tk.backfill(ctx, newJob(jobdispatch.Backfill, map[string]interface{}{"source": "arxiv"}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["submitted_summarize"], 1; have != want {
		t.Fatalf("submitted_summarize = %v, want %v", have, want)
	}
	if have, want := result["submitted_embed"], 2; have != want {
		t.Fatalf("submitted_embed = %v, want %v", have, want)
	}
	if have, want := fmt.Sprint(sub.subs), "[{summarize a 3} {embed a 3} {embed b 3}]"; have != want {
		t.Fatalf("submissions = %s, want %s", have, want)
	}
}

func TestBackfillSkipsItemsWithLiveJobs(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	addItem(t, items, &item.Item{ID: "a", Source: "arxiv", Title: "A"})
	addItem(t, items, &item.Item{ID: "b", Source: "arxiv", Title: "B"})
	jobs := jobdispatch.NewInMemoryStore()
	// A summarize job for a is still waiting, the one for b failed
	for _, job := range []*jobdispatch.Job{
		{ID: "job_1", Type: jobdispatch.Summarize, State: jobdispatch.Pending, Payload: map[string]interface{}{"item_id": "a"}},
		{ID: "job_2", Type: jobdispatch.Summarize, State: jobdispatch.Pending, Payload: map[string]interface{}{"item_id": "b"}},
	} {
		if err := jobs.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := jobs.Begin(ctx, "job_2"); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.Finish(ctx, "job_2", jobdispatch.Failed, map[string]interface{}{"error": "down"}); err != nil {
		t.Fatal(err)
	}
	sub := &fakeSubmitter{}
	tk := newTasks(Deps{Items: items, Jobs: jobs, Submit: sub, Logger: discard})

	result, err := tk.backfill(ctx, newJob(jobdispatch.Backfill, map[string]interface{}{"source": "arxiv"}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["skipped"], 1; have != want {
		t.Fatalf("skipped = %v, want %v", have, want)
	}
	if have, want := fmt.Sprint(sub.subs), "[{summarize b 3} {embed a 3} {embed b 3}]"; have != want {
		t.Fatalf("submissions = %s, want %s", have, want)
	}
}

func TestGraphLink(t *testing.T) {
	ctx := context.Background()
	items := item.NewInMemoryStore()
	addItem(t, items, &item.Item{ID: "x", Source: "arxiv", Title: "X", Embedding: []float32{1, 0}})
	addItem(t, items, &item.Item{ID: "y", Source: "arxiv", Title: "Y", Embedding: []float32{0.9, 0.1}})
	addItem(t, items, &item.Item{ID: "z", Source: "arxiv", Title: "Z", Embedding: []float32{0, 1}})
	addItem(t, items, &item.Item{ID: "w", Source: "arxiv", Title: "W"})
	tk := newTasks(Deps{Items: items, Logger: discard})

	result, err := tk.graphLink(ctx, newJob(jobdispatch.GraphLink, nil), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["compared"], 6; have != want {
		t.Fatalf("compared = %v, want %v", have, want)
	}
	if have, want := result["edges"], 2; have != want {
		t.Fatalf("edges = %v, want %v", have, want)
	}
	edges, err := items.Edges(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].TargetID != "y" || edges[0].Relation != item.Similar || edges[0].Score < 0.99 {
		t.Fatalf("edges of x = %+v", edges)
	}

	// Single item, lower threshold
	result, err = tk.graphLink(ctx, newJob(jobdispatch.GraphLink, map[string]interface{}{"item_id": "z", "threshold": 0.05}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["edges"], 1; have != want {
		t.Fatalf("edges = %v, want %v", have, want)
	}
	if _, err := tk.graphLink(ctx, newJob(jobdispatch.GraphLink, map[string]interface{}{"item_id": "w"}), func(int) {}); err == nil {
		t.Fatal("expected an error for an item without embedding")
	}
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()
	jobs := jobdispatch.NewInMemoryStore()
	for _, id := range []string{"job_a", "job_b"} {
		if err := jobs.Create(ctx, &jobdispatch.Job{ID: id, Type: jobdispatch.Embed, State: jobdispatch.Pending}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := jobs.Begin(ctx, "job_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.Finish(ctx, "job_a", jobdispatch.Completed, nil); err != nil {
		t.Fatal(err)
	}
	later := func() time.Time { return time.Now().Add(time.Hour) }
	tk := newTasks(Deps{Jobs: jobs, Logger: discard, Now: later})

	result, err := tk.maintenance(ctx, newJob(jobdispatch.Maintenance, map[string]interface{}{"task": PingStore}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if result["pending"] != 1 || result["completed"] != 1 {
		t.Fatalf("ping_store = %v", result)
	}

	// Jobs completed an hour ago are older than a retention of 0 hours
	result, err = tk.maintenance(ctx, newJob(jobdispatch.Maintenance, map[string]interface{}{"task": PruneJobs, "retention_hours": float64(0)}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["removed"], int64(1); have != want {
		t.Fatalf("removed = %v, want %v", have, want)
	}
	if _, err := jobs.Lookup(ctx, "job_b"); err != nil {
		t.Fatalf("pending job was pruned: %v", err)
	}

	result, err = tk.maintenance(ctx, newJob(jobdispatch.Maintenance, map[string]interface{}{"task": PruneJobs}), func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := result["retention_hours"], 168; have != want {
		t.Fatalf("retention_hours = %v, want %v", have, want)
	}

	if _, err := tk.maintenance(ctx, newJob(jobdispatch.Maintenance, map[string]interface{}{"task": "defrag"}), func(int) {}); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
}

func TestSchemas(t *testing.T) {
	v, err := jobdispatch.NewPayloadValidator(Schemas())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		JobType string
		Payload map[string]interface{}
		Valid   bool
	}{
		{jobdispatch.Summarize, map[string]interface{}{"content": "text"}, true},
		{jobdispatch.Summarize, map[string]interface{}{"item_id": "arxiv:1"}, true},
		{jobdispatch.Summarize, map[string]interface{}{}, false},
		{jobdispatch.Embed, map[string]interface{}{"content": ""}, false},
		{jobdispatch.OCR, map[string]interface{}{"pdf_path": "a.pdf"}, true},
		{jobdispatch.OCR, nil, false},
		{jobdispatch.VLM, map[string]interface{}{"image": "aGk="}, true},
		{jobdispatch.Backfill, nil, true},
		{jobdispatch.Backfill, map[string]interface{}{"job_priority": 11}, false},
		{jobdispatch.GraphLink, map[string]interface{}{"threshold": 1.5}, false},
		{jobdispatch.Maintenance, map[string]interface{}{"task": PruneJobs, "retention_hours": 24}, true},
		{jobdispatch.Maintenance, map[string]interface{}{"task": "defrag"}, false},
	}
	for i, tt := range tests {
		err := v.Validate(tt.JobType, tt.Payload)
		if tt.Valid && err != nil {
			t.Errorf("#%d %s: expected valid, got %v", i, tt.JobType, err)
		}
		if !tt.Valid && !errors.Is(err, jobdispatch.ErrInvalidPayload) {
			t.Errorf("#%d %s: expected ErrInvalidPayload, got %v", i, tt.JobType, err)
		}
	}
}

func TestRegister(t *testing.T) {
	m := jobdispatch.New()
	if err := Register(m, Deps{}); err != nil {
		t.Fatal(err)
	}
	if err := Register(m, Deps{}); err == nil {
		t.Fatal("expected registering twice to fail")
	}
}
