package search

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder is a deterministic hashed bag-of-words embedder. It needs no
// model or network and gives identical vectors for identical text, which is
// what the retrieval-ordering guarantees rely on. Deployments that want real
// semantic vectors swap in a provider-backed Embedder.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder creates an embedder with the given dimensionality.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &LocalEmbedder{dim: dim}
}

// Dimension returns the vector size.
func (e *LocalEmbedder) Dimension() int { return e.dim }

// Embed hashes tokens (and token bigrams) into buckets and L2-normalises.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		vec[e.bucket(tok)]++
		if i > 0 {
			vec[e.bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) * inv)
		}
	}
	return vec, nil
}

func (e *LocalEmbedder) bucket(token string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(e.dim))
}

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CosineSimilarity maps the cosine of two vectors into [0,1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}

// KeywordScore is the share of query tokens present in the document.
func KeywordScore(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := make(map[string]struct{})
	for _, tok := range Tokenize(content) {
		docTokens[tok] = struct{}{}
	}
	matched := 0
	for _, tok := range queryTokens {
		if _, ok := docTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
