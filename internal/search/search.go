// Package search defines the search collaborator contract used by the
// memory layer: document indexing with fixed-dimensionality embeddings and
// hybrid semantic/keyword queries at a tunable ratio.
package search

import (
	"context"
	"errors"

	"github.com/modelexchange/mxf/pkg/models"
)

// ErrUnavailable is returned when the index cannot serve requests. The
// memory layer degrades to keyword-only retrieval over the document store.
var ErrUnavailable = errors.New("search index unavailable")

// Document is one indexed memory record.
type Document struct {
	ID        string
	ChannelID string
	Kind      models.MemoryKind
	Content   string
	Embedding []float32
}

// Hit is one candidate from a hybrid query, similarity in [0,1].
type Hit struct {
	ID         string
	Similarity float64
}

// Query describes one hybrid search.
type Query struct {
	ChannelID string
	Text      string
	Embedding []float32

	// Kinds filters by record kind; empty matches all.
	Kinds []models.MemoryKind

	// SemanticRatio is the semantic share ρ of the blended score; the
	// keyword share is 1−ρ.
	SemanticRatio float64

	TopK int
}

// Index is the vector/keyword search collaborator.
type Index interface {
	Index(ctx context.Context, doc Document) error
	Delete(ctx context.Context, channelID, id string) error
	Hybrid(ctx context.Context, q Query) ([]Hit, error)
	Close() error
}

// Embedder turns text into a fixed-dimensionality vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
