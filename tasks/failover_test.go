// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
	"github.com/olivere/jobdispatch/provider"
	"github.com/olivere/jobdispatch/sqlite"
)

func failingBackend(t *testing.T, status int) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"backend unavailable"}`, status)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestSummarizeWithBothProvidersDown(t *testing.T) {
	stores := []struct {
		Name string
		Open func(t *testing.T) (jobdispatch.Store, item.Store)
	}{
		{
			Name: "memory",
			Open: func(t *testing.T) (jobdispatch.Store, item.Store) {
				return jobdispatch.NewInMemoryStore(), item.NewInMemoryStore()
			},
		},
		{
			Name: "sqlite",
			Open: func(t *testing.T) (jobdispatch.Store, item.Store) {
				st, err := sqlite.Open(context.Background(), ":memory:")
				if err != nil {
					t.Fatal(err)
				}
				t.Cleanup(func() { st.Close() })
				return st, st
			},
		},
	}
	for _, tt := range stores {
		t.Run(tt.Name, func(t *testing.T) {
			vllm := failingBackend(t, http.StatusServiceUnavailable)
			ollama := failingBackend(t, http.StatusInternalServerError)
			roles, err := provider.NewRoles(
				provider.Provider{Name: "vllm", URL: vllm.URL, Dialect: provider.OpenAI},
				provider.Provider{Name: "ollama", URL: ollama.URL, Dialect: provider.Ollama},
			)
			if err != nil {
				t.Fatal(err)
			}
			router := provider.NewRouter(roles, provider.WithLogger(discard))

			jobs, items := tt.Open(t)
			m := jobdispatch.New(jobdispatch.SetStore(jobs))
			err = Register(m, Deps{Chat: router, Items: items, Jobs: jobs, Submit: m, Logger: discard})
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Start(); err != nil {
				t.Fatal(err)
			}
			defer m.Stop()

			ctx := context.Background()
			id, err := m.Submit(ctx, jobdispatch.Summarize, map[string]interface{}{"content": "Attention is all you need."}, 0)
			if err != nil {
				t.Fatal(err)
			}

			var job *jobdispatch.Job
			deadline := time.After(5 * time.Second)
			for {
				job, err = m.Status(ctx, id)
				if err != nil {
					t.Fatal(err)
				}
				if jobdispatch.IsTerminal(job.State) {
					break
				}
				select {
				case <-deadline:
					t.Fatalf("job did not finish, state is %s", job.State)
				case <-time.After(10 * time.Millisecond):
				}
			}

			if have, want := job.State, jobdispatch.Failed; have != want {
				t.Fatalf("state = %q, want %q", have, want)
			}
			msg, _ := job.Result["error"].(string)
			if !strings.Contains(msg, "both providers failed") {
				t.Fatalf("error = %q", msg)
			}
			causes, ok := job.Result["causes"].([]interface{})
			if !ok {
				t.Fatalf("causes = %#v", job.Result["causes"])
			}
			if have, want := len(causes), 2; have != want {
				t.Fatalf("len(causes) = %d, want %d", have, want)
			}
			wants := []struct {
				Provider, URL, Role, Status string
			}{
				{"vllm", vllm.URL, provider.Primary, "503"},
				{"ollama", ollama.URL, provider.Secondary, "500"},
			}
			for i, want := range wants {
				cause, ok := causes[i].(map[string]interface{})
				if !ok {
					t.Fatalf("causes[%d] = %#v", i, causes[i])
				}
				if have := cause["provider"]; have != want.Provider {
					t.Errorf("causes[%d].provider = %v, want %v", i, have, want.Provider)
				}
				if have := cause["url"]; have != want.URL {
					t.Errorf("causes[%d].url = %v, want %v", i, have, want.URL)
				}
				if have := cause["role"]; have != want.Role {
					t.Errorf("causes[%d].role = %v, want %v", i, have, want.Role)
				}
				if e, _ := cause["error"].(string); !strings.Contains(e, want.Status) {
					t.Errorf("causes[%d].error = %q, want it to mention %s", i, e, want.Status)
				}
			}
		})
	}
}
