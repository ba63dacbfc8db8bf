package search

import (
	"context"
	"sort"
	"sync"

	"github.com/modelexchange/mxf/pkg/models"
)

// MemIndex is the in-process hybrid index. Candidate scoring blends cosine
// similarity against the stored embedding with keyword overlap at the
// query's semantic ratio.
type MemIndex struct {
	mu   sync.RWMutex
	docs map[string]map[string]Document // channel id -> doc id -> doc

	// failing simulates an outage; Hybrid and Index return ErrUnavailable
	// while set. Tests use it to drive the degradation path.
	failing bool
}

// NewMemIndex creates an empty index.
func NewMemIndex() *MemIndex {
	return &MemIndex{docs: make(map[string]map[string]Document)}
}

// SetFailing toggles the simulated outage.
func (idx *MemIndex) SetFailing(failing bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.failing = failing
}

// Index stores or replaces a document.
func (idx *MemIndex) Index(_ context.Context, doc Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.failing {
		return ErrUnavailable
	}
	byID, ok := idx.docs[doc.ChannelID]
	if !ok {
		byID = make(map[string]Document)
		idx.docs[doc.ChannelID] = byID
	}
	byID[doc.ID] = doc
	return nil
}

// Delete removes a document. Unknown ids are ignored.
func (idx *MemIndex) Delete(_ context.Context, channelID, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.failing {
		return ErrUnavailable
	}
	delete(idx.docs[channelID], id)
	return nil
}

// Hybrid scores every document in the channel and returns the top K.
// Ties break on document id for determinism.
func (idx *MemIndex) Hybrid(_ context.Context, q Query) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.failing {
		return nil, ErrUnavailable
	}

	rho := q.SemanticRatio
	if rho < 0 {
		rho = 0
	}
	if rho > 1 {
		rho = 1
	}
	queryTokens := Tokenize(q.Text)

	kinds := make(map[models.MemoryKind]struct{}, len(q.Kinds))
	for _, k := range q.Kinds {
		kinds[k] = struct{}{}
	}

	var hits []Hit
	for _, doc := range idx.docs[q.ChannelID] {
		if len(kinds) > 0 {
			if _, ok := kinds[doc.Kind]; !ok {
				continue
			}
		}
		semantic := CosineSimilarity(q.Embedding, doc.Embedding)
		keyword := KeywordScore(queryTokens, doc.Content)
		hits = append(hits, Hit{
			ID:         doc.ID,
			Similarity: rho*semantic + (1-rho)*keyword,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// Close releases nothing; the index is in-process.
func (idx *MemIndex) Close() error { return nil }
