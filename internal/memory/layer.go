// Package memory implements the phase-aware memory layer: dual-written
// records, hybrid retrieval with utility re-ranking, TD-style reward
// attribution (MULS), stratum consolidation, and the knowledge graph.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/search"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// Emitter is the bus slice the layer needs.
type Emitter interface {
	Emit(ev models.Event)
}

// usedMemory tracks one memory referenced during a task, by phase.
type usedMemory struct {
	channelID string
	memoryID  string
	phase     models.Phase
}

// Layer is the memory layer. The document store is authoritative; the
// search index is best-effort with a deferred reindex queue.
type Layer struct {
	cfg config.MemoryConfig

	store    storage.MemoryStore
	graph    storage.GraphStore
	index    search.Index
	embedder search.Embedder

	emitter Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	mu sync.Mutex
	// usage maps task id to the memories referenced while working on it.
	usage map[string][]usedMemory
	// lastSurprise is the surprise score of each agent's last retrieval.
	lastSurprise map[string]float64
	// channels tracks every channel the layer has written, for
	// consolidation sweeps.
	channels map[string]struct{}

	reindex *reindexQueue
}

// Deps are the layer's collaborators.
type Deps struct {
	Store    storage.MemoryStore
	Graph    storage.GraphStore
	Index    search.Index
	Embedder search.Embedder
	Emitter  Emitter
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewLayer creates a memory layer.
func NewLayer(cfg config.MemoryConfig, deps Deps) *Layer {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	l := &Layer{
		cfg:          cfg,
		store:        deps.Store,
		graph:        deps.Graph,
		index:        deps.Index,
		embedder:     deps.Embedder,
		emitter:      deps.Emitter,
		logger:       logger.WithComponent("memory"),
		metrics:      deps.Metrics,
		usage:        make(map[string][]usedMemory),
		lastSurprise: make(map[string]float64),
		channels:     make(map[string]struct{}),
	}
	l.reindex = newReindexQueue(l.index, l.logger, l.metrics)
	return l
}

// Record stores a memory. The document write is authoritative; an index
// failure is queued for deferred reindexing and never fails the call.
// New records start episodic with Q-value zero.
func (l *Layer) Record(ctx context.Context, record *models.MemoryRecord) (*models.MemoryRecord, error) {
	if record.ChannelID == "" {
		return nil, fmt.Errorf("memory channel id is required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Kind == "" {
		record.Kind = models.MemoryObservation
	}
	if record.Stratum == "" {
		record.Stratum = models.StratumEpisodic
	}
	now := time.Now()
	record.CreatedAt = now
	record.LastAccessed = now
	record.QValue = clampQ(record.QValue, l.cfg.QMin, l.cfg.QMax)

	if len(record.Embedding) == 0 && l.embedder != nil {
		embedding, err := l.embedder.Embed(ctx, record.Content)
		if err != nil {
			l.logger.Warn(ctx, "embedding failed", "memory_id", record.ID, "error", err)
		} else {
			record.Embedding = embedding
		}
	}

	if err := l.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("memory document write: %w", err)
	}
	l.mu.Lock()
	l.channels[record.ChannelID] = struct{}{}
	l.mu.Unlock()

	doc := search.Document{
		ID:        record.ID,
		ChannelID: record.ChannelID,
		Kind:      record.Kind,
		Content:   record.Content,
		Embedding: record.Embedding,
	}
	if l.index != nil {
		if err := l.index.Index(ctx, doc); err != nil {
			l.logger.Warn(ctx, "search index write deferred", "memory_id", record.ID, "error", err)
			l.reindex.enqueue(doc)
		}
	}

	clone := *record
	return &clone, nil
}

// Get loads one record and refreshes its access time.
func (l *Layer) Get(ctx context.Context, channelID, id string) (*models.MemoryRecord, error) {
	record, err := l.store.Get(ctx, channelID, id)
	if err != nil {
		return nil, err
	}
	record.LastAccessed = time.Now()
	record.UsageCount++
	if err := l.store.Put(ctx, record); err != nil {
		l.logger.Warn(ctx, "access refresh failed", "memory_id", id, "error", err)
	}
	return record, nil
}

// Delete removes a record from both sides of the dual write.
func (l *Layer) Delete(ctx context.Context, channelID, id string) error {
	if err := l.store.Delete(ctx, channelID, id); err != nil {
		return err
	}
	if l.index != nil {
		if err := l.index.Delete(ctx, channelID, id); err != nil {
			l.logger.Warn(ctx, "search index delete failed", "memory_id", id, "error", err)
		}
	}
	return nil
}

// Start launches the deferred reindex drain.
func (l *Layer) Start() { l.reindex.start() }

// Stop flushes and stops the reindex drain.
func (l *Layer) Stop() { l.reindex.stop() }

// Surprise returns the surprise score of the agent's last retrieval.
func (l *Layer) Surprise(agentID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSurprise[agentID]
}

// trackUsage remembers that a task referenced these memories in a phase.
func (l *Layer) trackUsage(taskID string, phase models.Phase, channelID string, ids []string) {
	if taskID == "" || len(ids) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.usage[taskID] = append(l.usage[taskID], usedMemory{
			channelID: channelID,
			memoryID:  id,
			phase:     phase,
		})
	}
}

func clampQ(q, min, max float64) float64 {
	if min >= max {
		min, max = -10, 10
	}
	if q < min {
		return min
	}
	if q > max {
		return max
	}
	return q
}

// normalizeQ maps Q from its bounded range to [0,1].
func normalizeQ(q, min, max float64) float64 {
	if min >= max {
		min, max = -10, 10
	}
	return (clampQ(q, min, max) - min) / (max - min)
}
