// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package item

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestID(t *testing.T) {
	a := ID("arxiv", "Attention", "We propose the Transformer.")
	b := ID("arxiv", "Attention", "We propose the Transformer.")
	if a != b {
		t.Fatalf("ID is not deterministic: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "arxiv:") {
		t.Fatalf("ID = %q, want arxiv: prefix", a)
	}
	if have, want := len(a), len("arxiv:")+16; have != want {
		t.Fatalf("len(ID) = %d, want %d", have, want)
	}
	// sha256("") = e3b0c44298fc1c14...
	if have, want := ID("github", "", ""), "github:e3b0c44298fc1c14"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	if ID("arxiv", "Other", "We propose the Transformer.") == a {
		t.Fatal("expected different titles to yield different IDs")
	}
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	it := &Item{ID: ID("arxiv", "T", "C"), Source: "arxiv", Title: "T", Content: "C", Metadata: map[string]interface{}{"url": "https://arxiv.org/abs/1"}}
	created, err := st.UpsertItem(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected item to be created")
	}
	created, err = st.UpsertItem(ctx, &Item{ID: it.ID, Source: "arxiv", Title: "changed"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected duplicate to be detected")
	}
	got, err := st.LookupItem(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Title, "T"; have != want {
		t.Fatalf("Title = %q, want %q", have, want)
	}

	other := &Item{ID: ID("github", "R", "readme"), Source: "github", Title: "R"}
	if _, err := st.UpsertItem(ctx, other); err != nil {
		t.Fatal(err)
	}

	if err := st.SetSummary(ctx, it.ID, "short"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetEmbedding(ctx, other.ID, "emb_1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSummary(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSummary(missing) = %v, want ErrNotFound", err)
	}

	list, err := st.ListItems(ctx, &ListRequest{MissingSummary: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != other.ID {
		t.Fatalf("MissingSummary = %v", list)
	}
	list, err = st.ListItems(ctx, &ListRequest{MissingEmbedding: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != it.ID {
		t.Fatalf("MissingEmbedding = %v", list)
	}
	list, err = st.ListItems(ctx, &ListRequest{WithEmbedding: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].EmbeddingID != "emb_1" {
		t.Fatalf("WithEmbedding = %v", list)
	}

	edges := []*Edge{
		{SourceID: it.ID, TargetID: other.ID, Relation: Similar, Score: 0.9},
		{SourceID: it.ID, TargetID: other.ID, Relation: Similar, Score: 0.95},
	}
	if err := st.AddEdges(ctx, edges); err != nil {
		t.Fatal(err)
	}
	have, err := st.Edges(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(have) != 1 {
		t.Fatalf("len(Edges) = %d, want 1", len(have))
	}
	if have[0].Score != 0.9 || have[0].Created == 0 {
		t.Fatalf("Edge = %+v", have[0])
	}
}
