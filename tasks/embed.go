// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/olivere/jobdispatch"
)

// DefaultDimensions is the size of embeddings produced by default.
const DefaultDimensions = 384

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder is a local embedder based on feature hashing of words.
// Texts sharing many words have a high cosine similarity.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder with the given dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the size of the vectors.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed returns the L2-normalized hashed bag of words of text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float64, e.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	res := make([]float32, e.dims)
	if norm == 0 {
		return res, nil
	}
	for i, x := range v {
		res[i] = float32(x / norm)
	}
	return res, nil
}

// NewEmbeddingID returns a new identifier for a stored embedding.
func NewEmbeddingID(now time.Time) string {
	return fmt.Sprintf("emb_%s_%d", strings.ReplaceAll(uuid.New().String(), "-", "")[:8], now.Unix())
}

func (t *tasks) embed(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	text, it, err := t.content(ctx, job)
	if err != nil {
		return nil, err
	}
	progress(20)
	vector, err := t.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	progress(80)

	embeddingID := NewEmbeddingID(t.Now())
	result := map[string]interface{}{
		"embedding_id":   embeddingID,
		"dimensions":     len(vector),
		"content_length": len(text),
	}
	if it != nil {
		if err := t.Items.SetEmbedding(ctx, it.ID, embeddingID, vector); err != nil {
			return nil, fmt.Errorf("embed: store embedding of %s: %w", it.ID, err)
		}
		result["item_id"] = it.ID
	}
	t.Logger.Info("tasks.embed.done", "job_id", job.ID, "embedding_id", embeddingID, "dimensions", len(vector))
	return result, nil
}

// cosine returns the cosine similarity of a and b, or 0 if their
// dimensions differ or one of them is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
