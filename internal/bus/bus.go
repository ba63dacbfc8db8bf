// Package bus implements the typed in-process event bus.
//
// Delivery is synchronous: Emit blocks the caller until every current
// subscriber for the kind has been invoked, in subscription order.
// Subscribers added during a delivery are not invoked until the next emit.
// A panicking handler does not abort delivery to the remaining subscribers;
// it is recovered and re-emitted as a system:error event.
//
// Two facets wrap the core bus: the client facet forwards every emit onto
// the transport and mirrors incoming transport events back into local
// delivery; the server facet additionally routes channel-scoped events to
// the sessions in that channel room only.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// Handler receives an event payload.
type Handler func(models.Event)

// Subscription is the handle returned by Subscribe and Once. Holders
// release it via Unsubscribe; a supervised shutdown asserts none leaked.
type Subscription struct {
	id   uint64
	kind models.EventKind
}

type subscriber struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is the core typed publish/subscribe dispatcher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventKind][]*subscriber
	nextID atomic.Uint64
	closed bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a bus. Logger and metrics may be nil in tests.
func New(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Bus{
		subs:    make(map[models.EventKind][]*subscriber),
		logger:  logger.WithComponent("bus"),
		metrics: metrics,
	}
}

// Subscribe registers a handler for a kind and returns its handle.
func (b *Bus) Subscribe(kind models.EventKind, handler Handler) Subscription {
	return b.add(kind, handler, false)
}

// Once registers a handler that is automatically unsubscribed after its
// first delivery.
func (b *Bus) Once(kind models.EventKind, handler Handler) Subscription {
	return b.add(kind, handler, true)
}

func (b *Bus) add(kind models.EventKind, handler Handler, once bool) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.subs[kind] = append(b.subs[kind], &subscriber{id: id, handler: handler, once: once})
	return Subscription{id: id, kind: kind}
}

// Unsubscribe releases a subscription. Unknown handles are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.kind, sub.id)
}

func (b *Bus) removeLocked(kind models.EventKind, id uint64) {
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			b.subs[kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[kind]) == 0 {
		delete(b.subs, kind)
	}
}

// Emit delivers the event synchronously to every current subscriber of its
// kind, in subscription order. Events with a kind outside the closed
// taxonomy are dropped with a warning.
func (b *Bus) Emit(ev models.Event) {
	if !models.KnownKind(ev.Kind) {
		b.logger.Warn(context.Background(), "dropping event with unknown kind", "kind", string(ev.Kind))
		return
	}
	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
	}

	// Snapshot under the read lock so subscribers added during delivery
	// see only the next emit.
	b.mu.RLock()
	snapshot := make([]*subscriber, len(b.subs[ev.Kind]))
	copy(snapshot, b.subs[ev.Kind])
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.once {
			// Claim the once-slot before invoking, so concurrent emits
			// deliver at most once.
			b.mu.Lock()
			claimed := b.containsLocked(ev.Kind, s.id)
			if claimed {
				b.removeLocked(ev.Kind, s.id)
			}
			b.mu.Unlock()
			if !claimed {
				continue
			}
		}
		b.invoke(s, ev)
	}
}

func (b *Bus) containsLocked(kind models.EventKind, id uint64) bool {
	for _, s := range b.subs[kind] {
		if s.id == id {
			return true
		}
	}
	return false
}

func (b *Bus) invoke(s *subscriber, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "subscriber panic",
				"kind", string(ev.Kind), "panic", fmt.Sprint(r))
			// Re-emit as a generic error unless the failing handler was
			// itself a system:error subscriber.
			if ev.Kind != models.EventSystemError {
				errEv := models.NewEvent(models.EventSystemError, map[string]any{
					"source_kind": string(ev.Kind),
					"panic":       fmt.Sprint(r),
				})
				b.Emit(errEv)
			}
		}
	}()
	s.handler(ev)
}

// SubscriptionCount returns the number of live subscriptions, for the
// shutdown leak assertion.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}

// Close drops all subscriptions and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[models.EventKind][]*subscriber)
}
