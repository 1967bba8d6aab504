// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package item

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps items in memory. Do not use in production.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	edges map[string][]*Edge // by source
	now   func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]*Item),
		edges: make(map[string][]*Edge),
		now:   time.Now,
	}
}

// UpsertItem creates the item unless it exists.
func (st *InMemoryStore) UpsertItem(ctx context.Context, it *Item) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.items[it.ID]; found {
		return false, nil
	}
	c := copyItem(it)
	now := st.now().UnixNano()
	if c.Created == 0 {
		c.Created = now
	}
	c.Updated = now
	st.items[it.ID] = c
	return true, nil
}

// LookupItem returns the item with the given ID.
func (st *InMemoryStore) LookupItem(ctx context.Context, id string) (*Item, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	it, found := st.items[id]
	if !found {
		return nil, ErrNotFound
	}
	return copyItem(it), nil
}

// SetSummary stores the summary of an item.
func (st *InMemoryStore) SetSummary(ctx context.Context, id, summary string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	it, found := st.items[id]
	if !found {
		return ErrNotFound
	}
	it.Summary = summary
	it.Updated = st.now().UnixNano()
	return nil
}

// SetEmbedding stores the embedding of an item.
func (st *InMemoryStore) SetEmbedding(ctx context.Context, id, embeddingID string, vector []float32) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	it, found := st.items[id]
	if !found {
		return ErrNotFound
	}
	it.EmbeddingID = embeddingID
	it.Embedding = append([]float32(nil), vector...)
	it.Updated = st.now().UnixNano()
	return nil
}

// ListItems returns matching items, oldest first.
func (st *InMemoryStore) ListItems(ctx context.Context, req *ListRequest) ([]*Item, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if req == nil {
		req = &ListRequest{}
	}
	var list []*Item
	for _, it := range st.items {
		if !req.matches(it) {
			continue
		}
		list = append(list, it)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Created != list[j].Created {
			return list[i].Created < list[j].Created
		}
		return list[i].ID < list[j].ID
	})
	if req.Limit > 0 && req.Limit < len(list) {
		list = list[:req.Limit]
	}
	res := make([]*Item, 0, len(list))
	for _, it := range list {
		res = append(res, copyItem(it))
	}
	return res, nil
}

// AddEdges stores edges, skipping existing ones.
func (st *InMemoryStore) AddEdges(ctx context.Context, edges []*Edge) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now().UnixNano()
	for _, e := range edges {
		var exists bool
		for _, have := range st.edges[e.SourceID] {
			if have.TargetID == e.TargetID && have.Relation == e.Relation {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		c := *e
		if c.Created == 0 {
			c.Created = now
		}
		st.edges[e.SourceID] = append(st.edges[e.SourceID], &c)
	}
	return nil
}

// Edges returns all edges starting at sourceID.
func (st *InMemoryStore) Edges(ctx context.Context, sourceID string) ([]*Edge, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var res []*Edge
	for _, e := range st.edges[sourceID] {
		c := *e
		res = append(res, &c)
	}
	return res, nil
}

func (req *ListRequest) matches(it *Item) bool {
	if req.Source != "" && it.Source != req.Source {
		return false
	}
	if req.MissingSummary && it.Summary != "" {
		return false
	}
	if req.MissingEmbedding && len(it.Embedding) > 0 {
		return false
	}
	if req.WithEmbedding && len(it.Embedding) == 0 {
		return false
	}
	return true
}

func copyItem(it *Item) *Item {
	c := *it
	if it.Embedding != nil {
		c.Embedding = append([]float32(nil), it.Embedding...)
	}
	if it.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
