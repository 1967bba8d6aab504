package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/globalsign/mgo"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
)

// testDBURL is read from MONGODB_URL, e.g.
// "mongodb://localhost/jobdispatch_test". Tests are skipped if unset.
var testDBURL = os.Getenv("MONGODB_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if testDBURL == "" {
		os.Exit(m.Run())
	}

	uri, err := url.Parse(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	if uri.Path == "" || uri.Path == "/" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	dbname := strings.TrimLeft(uri.Path, "/") // uri.Path[1:]

	session, err := mgo.DialWithTimeout(testDBURL, 15*time.Second)
	if err != nil {
		panic(fmt.Sprintf("unable to connect to %q: %v", testDBURL, err))
	}
	defer session.Close()

	code := m.Run()

	err = session.DB(dbname).DropDatabase()
	if err != nil {
		panic(fmt.Sprintf("unable to drop database in connection string %q: %v", testDBURL, err))
	}

	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("MONGODB_URL not set")
	}
	st, err := NewStore(testDBURL, SetCollectionName(fmt.Sprintf("jobs_%d", time.Now().UnixNano())))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() {
		st.coll.DropCollection()
		st.Close()
	})
	return st
}

func TestMongoDBJobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().UnixNano()
	job := &jobdispatch.Job{
		ID:       "job_1",
		Type:     jobdispatch.Summarize,
		Payload:  map[string]interface{}{"item_id": "arxiv:1"},
		Priority: 10,
		State:    jobdispatch.Pending,
		Created:  now,
		Updated:  now,
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := st.Create(ctx, job); !errors.Is(err, jobdispatch.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if _, err := st.Finish(ctx, "job_1", jobdispatch.Completed, nil); !errors.Is(err, jobdispatch.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	job, err := st.Begin(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != jobdispatch.InProgress || job.Attempts != 1 {
		t.Fatalf("Begin = %+v", job)
	}
	for _, p := range []int{60, 10} {
		if err := st.Progress(ctx, "job_1", p); err != nil {
			t.Fatal(err)
		}
	}
	job, err = st.Begin(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Attempts != 2 || job.Progress != 60 {
		t.Fatalf("Begin after redelivery = %+v", job)
	}
	job, err = st.Finish(ctx, "job_1", jobdispatch.Completed, map[string]interface{}{"summary": "short"})
	if err != nil {
		t.Fatal(err)
	}
	if job.State != jobdispatch.Completed || job.Progress != 100 {
		t.Fatalf("Finish = %+v", job)
	}
	job, err = st.Finish(ctx, "job_1", jobdispatch.Failed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != jobdispatch.Completed || job.Result["summary"] != "short" {
		t.Fatalf("second Finish = %+v", job)
	}

	stats, err := st.Stats(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Completed, 1; have != want {
		t.Fatalf("Completed = %d, want %d", have, want)
	}
	n, err := st.Prune(ctx, time.Now().Add(time.Hour).UnixNano())
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, int64(1); have != want {
		t.Fatalf("Prune = %d, want %d", have, want)
	}
	if _, err := st.Lookup(ctx, "job_1"); !errors.Is(err, jobdispatch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestMongoDBJobSuccess is the green case where a job is called and it is
// processed without problems.
func TestMongoDBJobSuccess(t *testing.T) {
	jobDone := make(chan struct{}, 1)
	st := newTestStore(t)

	m := jobdispatch.New(jobdispatch.SetStore(st))

	f := func(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
		if have, want := job.Payload["text"], "Hello"; have != want {
			return nil, fmt.Errorf("expected text = %q, have %v", want, have)
		}
		jobDone <- struct{}{}
		return nil, nil
	}
	err := m.Register(jobdispatch.Embed, f)
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()
	id, err := m.Submit(context.Background(), jobdispatch.Embed, map[string]interface{}{"text": "Hello"}, 0)
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if id == "" {
		t.Fatalf("Job ID = %q", id)
	}
	timeout := 2 * time.Second
	select {
	case <-jobDone:
	case <-time.After(timeout):
		t.Fatal("Processor func timed out")
	}
}

func TestMongoDBItems(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	t.Cleanup(func() {
		st.items.DropCollection()
		st.edges.DropCollection()
	})

	it := &item.Item{ID: item.ID("arxiv", "T", "C"), Source: "arxiv", Title: "T", Content: "C"}
	created, err := st.UpsertItem(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected item to be created")
	}
	if created, _ := st.UpsertItem(ctx, it); created {
		t.Fatal("expected duplicate to be detected")
	}
	if err := st.SetEmbedding(ctx, it.ID, "emb_1", []float32{0.5, 0.25}); err != nil {
		t.Fatal(err)
	}
	list, err := st.ListItems(ctx, &item.ListRequest{WithEmbedding: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Embedding[1] != 0.25 {
		t.Fatalf("WithEmbedding = %v", list)
	}
	if err := st.SetSummary(ctx, "missing", "x"); !errors.Is(err, item.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
