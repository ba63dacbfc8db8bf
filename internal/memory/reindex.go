package memory

import (
	"context"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/search"
)

// drainInterval is how often the deferred queue retries failed index
// writes.
const drainInterval = 5 * time.Second

// reindexQueue holds documents whose search-index write failed. The
// document store already has them; the queue retries until the index
// accepts them so retrieval recovers without data loss.
type reindexQueue struct {
	mu      sync.Mutex
	pending []search.Document

	index   search.Index
	logger  *observability.Logger
	metrics *observability.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func newReindexQueue(index search.Index, logger *observability.Logger, metrics *observability.Metrics) *reindexQueue {
	return &reindexQueue{
		index:   index,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (q *reindexQueue) enqueue(doc search.Document) {
	q.mu.Lock()
	// Replace a stale pending write for the same document.
	for i, pending := range q.pending {
		if pending.ID == doc.ID && pending.ChannelID == doc.ChannelID {
			q.pending[i] = doc
			q.mu.Unlock()
			return
		}
	}
	q.pending = append(q.pending, doc)
	depth := len(q.pending)
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.ReindexQueueDepth.Set(float64(depth))
	}
}

func (q *reindexQueue) start() {
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.drain()
			case <-q.stopCh:
				q.drain()
				return
			}
		}
	}()
}

func (q *reindexQueue) stop() {
	q.once.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// drain retries every pending write; documents the index still refuses stay
// queued.
func (q *reindexQueue) drain() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failed []search.Document
	for _, doc := range pending {
		if err := q.index.Index(ctx, doc); err != nil {
			failed = append(failed, doc)
		}
	}

	q.mu.Lock()
	q.pending = append(failed, q.pending...)
	depth := len(q.pending)
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.ReindexQueueDepth.Set(float64(depth))
	}
	if len(failed) > 0 && q.logger != nil {
		q.logger.Warn(ctx, "reindex drain incomplete", "remaining", depth)
	}
}

// depth reports the queue length, for tests.
func (q *reindexQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
