// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package item stores the content items that jobs work on: ingested
// papers, repositories, and models, their summaries and embeddings, and
// the edges between similar items.
package item

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when an item does not exist.
var ErrNotFound = errors.New("item: not found")

// Relations between items.
const (
	Similar = "similar"
)

// Item is an ingested piece of content.
type Item struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"` // e.g. arxiv, github, huggingface
	Title       string                 `json:"title"`
	Abstract    string                 `json:"abstract,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	EmbeddingID string                 `json:"embedding_id,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Created     int64                  `json:"created_at"` // UnixNano
	Updated     int64                  `json:"updated_at"` // UnixNano
}

// Edge links two items.
type Edge struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Relation string  `json:"relation"`
	Score    float64 `json:"score"`
	Created  int64   `json:"created_at"`
}

// ID returns the deterministic identifier of an item, so ingesting the
// same content twice yields the same item.
func ID(source, title, content string) string {
	sum := sha256.Sum256([]byte(content + title))
	return source + ":" + hex.EncodeToString(sum[:])[:16]
}

// ListRequest filters ListItems.
type ListRequest struct {
	Source           string
	MissingSummary   bool // only items without a summary
	MissingEmbedding bool // only items without an embedding
	WithEmbedding    bool // only items with an embedding
	Limit            int
}

// Store persists items and edges.
type Store interface {
	// UpsertItem creates the item if it does not exist. It returns true if
	// the item was created, false if an item with the same ID existed.
	UpsertItem(ctx context.Context, it *Item) (created bool, err error)

	// LookupItem returns the item or ErrNotFound.
	LookupItem(ctx context.Context, id string) (*Item, error)

	// SetSummary stores the summary of an item.
	SetSummary(ctx context.Context, id, summary string) error

	// SetEmbedding stores the embedding of an item.
	SetEmbedding(ctx context.Context, id, embeddingID string, vector []float32) error

	// ListItems returns items, oldest first.
	ListItems(ctx context.Context, req *ListRequest) ([]*Item, error)

	// AddEdges stores edges. Existing edges are left alone.
	AddEdges(ctx context.Context, edges []*Edge) error

	// Edges returns all edges starting at the given item.
	Edges(ctx context.Context, sourceID string) ([]*Edge, error)
}
