// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/olivere/jobdispatch/item"
)

const (
	itemsTable = "items"
	edgesTable = "edges"
)

var itemColumns = []string{
	"id",
	"source",
	"title",
	"abstract",
	"content",
	"summary",
	"embedding_id",
	"embedding",
	"metadata_json",
	"created_at",
	"updated_at",
}

// UpsertItem creates the item unless an item with the same ID exists.
func (s *Store) UpsertItem(ctx context.Context, it *item.Item) (bool, error) {
	embedding, err := marshalEmbedding(it.Embedding)
	if err != nil {
		return false, err
	}
	metadata, err := marshalMap(it.Metadata)
	if err != nil {
		return false, err
	}
	now := s.now().UnixNano()
	created := it.Created
	if created == 0 {
		created = now
	}
	ins := s.sb.Insert(itemsTable).
		Columns(itemColumns...).
		Values(
			it.ID,
			it.Source,
			it.Title,
			it.Abstract,
			it.Content,
			it.Summary,
			it.EmbeddingID,
			embedding,
			metadata,
			created,
			now,
		)
	ins = s.dialect.InsertIgnore(ins)
	var n int64
	err = s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := execContext(ctx, s.db, ins)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LookupItem returns the item with the given ID.
func (s *Store) LookupItem(ctx context.Context, id string) (*item.Item, error) {
	sel := s.sb.Select(itemColumns...).From(itemsTable).Where(sq.Eq{"id": id})
	row, err := queryRowContext(ctx, s.db, sel)
	if err != nil {
		return nil, err
	}
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, item.ErrNotFound
	}
	return it, err
}

// SetSummary stores the summary of an item.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	upd := s.sb.Update(itemsTable).
		Set("summary", summary).
		Set("updated_at", s.now().UnixNano()).
		Where(sq.Eq{"id": id})
	return s.updateItem(ctx, id, upd)
}

// SetEmbedding stores the embedding of an item.
func (s *Store) SetEmbedding(ctx context.Context, id, embeddingID string, vector []float32) error {
	embedding, err := marshalEmbedding(vector)
	if err != nil {
		return err
	}
	upd := s.sb.Update(itemsTable).
		Set("embedding_id", embeddingID).
		Set("embedding", embedding).
		Set("updated_at", s.now().UnixNano()).
		Where(sq.Eq{"id": id})
	return s.updateItem(ctx, id, upd)
}

func (s *Store) updateItem(ctx context.Context, id string, upd sq.UpdateBuilder) error {
	var n int64
	err := s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := execContext(ctx, s.db, upd)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// MySQL reports 0 affected rows if nothing changed
	var exists int
	row, err := queryRowContext(ctx, s.db, s.sb.Select("COUNT(*)").From(itemsTable).Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return item.ErrNotFound
	}
	return nil
}

// ListItems returns matching items, oldest first.
func (s *Store) ListItems(ctx context.Context, req *item.ListRequest) ([]*item.Item, error) {
	if req == nil {
		req = &item.ListRequest{}
	}
	sel := s.sb.Select(itemColumns...).
		From(itemsTable).
		OrderBy("created_at ASC", "id ASC")
	if req.Source != "" {
		sel = sel.Where(sq.Eq{"source": req.Source})
	}
	if req.MissingSummary {
		sel = sel.Where(sq.Or{sq.Eq{"summary": nil}, sq.Eq{"summary": ""}})
	}
	if req.MissingEmbedding {
		sel = sel.Where(sq.Or{sq.Eq{"embedding": nil}, sq.Eq{"embedding": ""}})
	}
	if req.WithEmbedding {
		sel = sel.Where(sq.And{sq.NotEq{"embedding": nil}, sq.NotEq{"embedding": ""}})
	}
	if req.Limit > 0 {
		sel = sel.Limit(uint64(req.Limit))
	}
	rows, err := queryContext(ctx, s.db, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

// AddEdges stores edges, skipping existing ones.
func (s *Store) AddEdges(ctx context.Context, edges []*item.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	now := s.now().UnixNano()
	return s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, e := range edges {
			created := e.Created
			if created == 0 {
				created = now
			}
			ins := s.sb.Insert(edgesTable).
				Columns("source_id", "target_id", "relation", "score", "created_at").
				Values(e.SourceID, e.TargetID, e.Relation, e.Score, created)
			if _, err := execContext(ctx, tx, s.dialect.InsertIgnore(ins)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Edges returns all edges starting at sourceID.
func (s *Store) Edges(ctx context.Context, sourceID string) ([]*item.Edge, error) {
	sel := s.sb.Select("source_id", "target_id", "relation", "score", "created_at").
		From(edgesTable).
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("created_at ASC", "target_id ASC")
	rows, err := queryContext(ctx, s.db, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*item.Edge
	for rows.Next() {
		var e item.Edge
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Relation, &e.Score, &e.Created); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func scanItem(row scanner) (*item.Item, error) {
	var (
		it          item.Item
		abstract    sql.NullString
		content     sql.NullString
		summary     sql.NullString
		embeddingID sql.NullString
		embedding   sql.NullString
		metadata    sql.NullString
	)
	err := row.Scan(
		&it.ID,
		&it.Source,
		&it.Title,
		&abstract,
		&content,
		&summary,
		&embeddingID,
		&embedding,
		&metadata,
		&it.Created,
		&it.Updated,
	)
	if err != nil {
		return nil, err
	}
	it.Abstract = abstract.String
	it.Content = content.String
	it.Summary = summary.String
	it.EmbeddingID = embeddingID.String
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &it.Embedding); err != nil {
			return nil, fmt.Errorf("sqlstore: embedding of item %s: %w", it.ID, err)
		}
	}
	if it.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("sqlstore: metadata of item %s: %w", it.ID, err)
	}
	return &it, nil
}

// marshalEmbedding stores vectors as JSON arrays; an empty vector is NULL.
func marshalEmbedding(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
