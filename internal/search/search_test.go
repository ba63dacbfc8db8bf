package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/modelexchange/mxf/pkg/models"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("Deploy v2: billing-service FAILED!")
	want := []string{"deploy", "v2", "billing", "service", "failed"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(Tokenize("   ")) != 0 {
		t.Error("whitespace should yield no tokens")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %v, want 1", got)
	}
	opposite := []float32{-1, 0, 0}
	if got := CosineSimilarity(a, opposite); math.Abs(got) > 1e-9 {
		t.Errorf("opposite vectors = %v, want 0", got)
	}
	orthogonal := []float32{0, 1, 0}
	if got := CosineSimilarity(a, orthogonal); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("orthogonal vectors = %v, want 0.5", got)
	}
	if CosineSimilarity(nil, a) != 0 {
		t.Error("empty vector should score 0")
	}
	if CosineSimilarity(a, []float32{1, 0}) != 0 {
		t.Error("mismatched lengths should score 0")
	}
	if CosineSimilarity([]float32{0, 0, 0}, a) != 0 {
		t.Error("zero vector should score 0")
	}
}

func TestKeywordScore(t *testing.T) {
	tokens := Tokenize("deploy billing service")
	if got := KeywordScore(tokens, "the billing service deploy log"); math.Abs(got-1) > 1e-9 {
		t.Errorf("full overlap = %v", got)
	}
	if got := KeywordScore(tokens, "billing dashboard"); math.Abs(got-1.0/3) > 1e-9 {
		t.Errorf("partial overlap = %v", got)
	}
	if KeywordScore(nil, "anything") != 0 {
		t.Error("empty query should score 0")
	}
}

func TestLocalEmbedder(t *testing.T) {
	e := NewLocalEmbedder(128)
	if e.Dimension() != 128 {
		t.Errorf("dimension = %d", e.Dimension())
	}

	ctx := context.Background()
	first, err := e.Embed(ctx, "observed failure in billing deploy")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, _ := e.Embed(ctx, "observed failure in billing deploy")
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("embedding is not deterministic")
		}
	}
	if len(first) != 128 {
		t.Errorf("vector length = %d", len(first))
	}

	var norm float64
	for _, v := range first {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("vector norm = %v, want unit", math.Sqrt(norm))
	}

	empty, _ := e.Embed(ctx, "")
	for _, v := range empty {
		if v != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
}

func TestLocalEmbedderDefaultDimension(t *testing.T) {
	if NewLocalEmbedder(0).Dimension() != 256 {
		t.Error("non-positive dim should default to 256")
	}
}

func TestLocalEmbedderDistinguishesText(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "database connection timeout")
	b, _ := e.Embed(ctx, "user clicked the checkout button")
	if sim := CosineSimilarity(a, a); math.Abs(sim-1) > 1e-6 {
		t.Errorf("self similarity = %v", sim)
	}
	if sim := CosineSimilarity(a, b); sim > 0.9 {
		t.Errorf("unrelated texts too similar: %v", sim)
	}
}

func indexDocs(t *testing.T, idx *MemIndex, e Embedder, docs map[string]string) {
	t.Helper()
	ctx := context.Background()
	for id, content := range docs {
		emb, err := e.Embed(ctx, content)
		if err != nil {
			t.Fatal(err)
		}
		if err := idx.Index(ctx, Document{
			ID:        id,
			ChannelID: "c1",
			Kind:      models.MemoryObservation,
			Content:   content,
			Embedding: emb,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHybridOrdersByRelevance(t *testing.T) {
	idx := NewMemIndex()
	e := NewLocalEmbedder(256)
	indexDocs(t, idx, e, map[string]string{
		"m1": "billing deploy failed with a timeout",
		"m2": "user profile page redesign notes",
		"m3": "billing deploy succeeded after retry",
	})

	ctx := context.Background()
	queryEmb, _ := e.Embed(ctx, "billing deploy failed")
	hits, err := idx.Hybrid(ctx, Query{
		ChannelID:     "c1",
		Text:          "billing deploy failed",
		Embedding:     queryEmb,
		SemanticRatio: 0.7,
		TopK:          10,
	})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits", len(hits))
	}
	if hits[0].ID != "m1" {
		t.Errorf("best hit = %s", hits[0].ID)
	}
	if hits[2].ID != "m2" {
		t.Errorf("worst hit = %s", hits[2].ID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Similarity > hits[i-1].Similarity {
			t.Error("hits not sorted by similarity")
		}
	}
}

func TestHybridKindFilterAndTopK(t *testing.T) {
	idx := NewMemIndex()
	e := NewLocalEmbedder(256)
	ctx := context.Background()
	for i, kind := range []models.MemoryKind{models.MemoryObservation, models.MemoryPattern, models.MemoryObservation} {
		emb, _ := e.Embed(ctx, "shared content")
		_ = idx.Index(ctx, Document{
			ID:        string(rune('a' + i)),
			ChannelID: "c1",
			Kind:      kind,
			Content:   "shared content",
			Embedding: emb,
		})
	}

	queryEmb, _ := e.Embed(ctx, "shared content")
	hits, err := idx.Hybrid(ctx, Query{
		ChannelID:     "c1",
		Text:          "shared content",
		Embedding:     queryEmb,
		Kinds:         []models.MemoryKind{models.MemoryPattern},
		SemanticRatio: 0.7,
		TopK:          10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Errorf("kind filter hits = %v", hits)
	}

	all, _ := idx.Hybrid(ctx, Query{ChannelID: "c1", Text: "shared content", Embedding: queryEmb, SemanticRatio: 0.7, TopK: 2})
	if len(all) != 2 {
		t.Errorf("top-k returned %d hits", len(all))
	}
	// Identical scores break ties on id.
	if all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("tie-break order = %v", all)
	}
}

func TestHybridChannelIsolation(t *testing.T) {
	idx := NewMemIndex()
	e := NewLocalEmbedder(256)
	ctx := context.Background()
	emb, _ := e.Embed(ctx, "note")
	_ = idx.Index(ctx, Document{ID: "m1", ChannelID: "c1", Content: "note", Embedding: emb})

	hits, err := idx.Hybrid(ctx, Query{ChannelID: "c2", Text: "note", Embedding: emb, SemanticRatio: 0.7, TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("cross-channel hits = %v", hits)
	}
}

func TestMemIndexDelete(t *testing.T) {
	idx := NewMemIndex()
	e := NewLocalEmbedder(256)
	ctx := context.Background()
	emb, _ := e.Embed(ctx, "note")
	_ = idx.Index(ctx, Document{ID: "m1", ChannelID: "c1", Content: "note", Embedding: emb})

	if err := idx.Delete(ctx, "c1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := idx.Delete(ctx, "c1", "ghost"); err != nil {
		t.Errorf("deleting unknown id: %v", err)
	}
	hits, _ := idx.Hybrid(ctx, Query{ChannelID: "c1", Text: "note", Embedding: emb, SemanticRatio: 0.7, TopK: 10})
	if len(hits) != 0 {
		t.Error("deleted document still served")
	}
}

func TestMemIndexOutage(t *testing.T) {
	idx := NewMemIndex()
	idx.SetFailing(true)

	ctx := context.Background()
	if err := idx.Index(ctx, Document{ID: "m1", ChannelID: "c1"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("index during outage: %v", err)
	}
	if _, err := idx.Hybrid(ctx, Query{ChannelID: "c1"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("hybrid during outage: %v", err)
	}

	idx.SetFailing(false)
	if err := idx.Index(ctx, Document{ID: "m1", ChannelID: "c1"}); err != nil {
		t.Errorf("index after recovery: %v", err)
	}
}
