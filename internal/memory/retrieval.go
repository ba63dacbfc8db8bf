package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/modelexchange/mxf/internal/search"
	"github.com/modelexchange/mxf/pkg/models"
)

// Retrieve is the plain phase-aware retrieval used by tools: no task or
// agent correlation.
func (l *Layer) Retrieve(ctx context.Context, channelID, query string, phase models.Phase, limit int) ([]models.ScoredMemory, error) {
	return l.RetrieveScoped(ctx, RetrievalScope{ChannelID: channelID}, query, phase, limit)
}

// RetrievalScope correlates a retrieval to the agent and task using it, so
// rewards can later be attributed to the memories returned.
type RetrievalScope struct {
	ChannelID string
	AgentID   string
	TaskID    string
}

// RetrieveScoped runs the two-phase retrieval:
//
//  1. candidate generation — hybrid semantic/keyword search at ratio ρ;
//  2. utility re-ranking — score = (1−λ(phase))·similarity + λ(phase)·normalize(Q).
//
// A search outage degrades to keyword-only matching over the document store
// and emits a degradation event. Ties break on the older record.
func (l *Layer) RetrieveScoped(ctx context.Context, scope RetrievalScope, query string, phase models.Phase, limit int) ([]models.ScoredMemory, error) {
	timeout := l.cfg.RetrievalTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	topK := l.cfg.TopK
	if topK < limit {
		topK = limit
	}

	hits, err := l.candidates(ctx, scope.ChannelID, query, topK)
	if err != nil {
		return nil, err
	}

	lambda := l.lambda(phase)
	scored := make([]models.ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		record, err := l.store.Get(ctx, scope.ChannelID, hit.ID)
		if err != nil {
			continue // index may be ahead of the store after deletes
		}
		if record.Archived {
			continue
		}
		scored = append(scored, models.ScoredMemory{
			Record:     record,
			Similarity: hit.Similarity,
			Score:      (1-lambda)*hit.Similarity + lambda*normalizeQ(record.QValue, l.cfg.QMin, l.cfg.QMax),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		// Deterministic tie-break: the older record first.
		return scored[i].Record.CreatedAt.Before(scored[j].Record.CreatedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	l.finishRetrieval(ctx, scope, phase, scored)
	return scored, nil
}

// candidates runs the hybrid search, falling back to keyword-only matching
// over the document store when the index is unavailable.
func (l *Layer) candidates(ctx context.Context, channelID, query string, topK int) ([]search.Hit, error) {
	var embedding []float32
	if l.embedder != nil {
		if vec, err := l.embedder.Embed(ctx, query); err == nil {
			embedding = vec
		}
	}

	if l.index != nil {
		hits, err := l.index.Hybrid(ctx, search.Query{
			ChannelID:     channelID,
			Text:          query,
			Embedding:     embedding,
			SemanticRatio: l.cfg.HybridRatio,
			TopK:          topK,
		})
		if err == nil {
			return hits, nil
		}
		if !errors.Is(err, search.ErrUnavailable) {
			return nil, err
		}
		l.logger.Warn(ctx, "search degraded to keyword-only", "channel_id", channelID)
		l.emit(models.NewEvent(models.EventMemoryDegraded, map[string]string{
			"reason": "search index unavailable",
		}).WithChannel(channelID))
	}

	// Degraded path: keyword scoring over the authoritative documents.
	records, err := l.store.List(ctx, channelID)
	if err != nil {
		return nil, err
	}
	tokens := search.Tokenize(query)
	var hits []search.Hit
	for _, record := range records {
		if record.Archived {
			continue
		}
		if score := search.KeywordScore(tokens, record.Content); score > 0 {
			hits = append(hits, search.Hit{ID: record.ID, Similarity: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// finishRetrieval refreshes access stats, tracks usage for reward
// attribution, and updates the agent's surprise score.
func (l *Layer) finishRetrieval(ctx context.Context, scope RetrievalScope, phase models.Phase, scored []models.ScoredMemory) {
	ids := make([]string, 0, len(scored))
	maxSimilarity := 0.0
	for _, s := range scored {
		ids = append(ids, s.Record.ID)
		if s.Similarity > maxSimilarity {
			maxSimilarity = s.Similarity
		}
		s.Record.UsageCount++
		s.Record.LastAccessed = time.Now()
		if err := l.store.Put(ctx, s.Record); err != nil {
			l.logger.Warn(ctx, "usage refresh failed", "memory_id", s.Record.ID, "error", err)
		}
	}
	l.trackUsage(scope.TaskID, phase, scope.ChannelID, ids)

	// Surprise: nothing similar in memory means the situation is novel.
	surprise := 1 - maxSimilarity
	if scope.AgentID != "" {
		l.mu.Lock()
		l.lastSurprise[scope.AgentID] = surprise
		l.mu.Unlock()
	}

	l.emit(models.NewEvent(models.EventUtilityRetrievalCompleted, map[string]any{
		"phase":    string(phase),
		"lambda":   l.lambda(phase),
		"count":    len(scored),
		"surprise": surprise,
	}).WithAgent(scope.AgentID).WithChannel(scope.ChannelID))
}

// lambda returns the per-phase utility blend weight.
func (l *Layer) lambda(phase models.Phase) float64 {
	if v, ok := l.cfg.Lambda[phase]; ok {
		return v
	}
	return 0.5
}

func (l *Layer) emit(ev models.Event) {
	if l.emitter != nil {
		l.emitter.Emit(ev)
	}
}
