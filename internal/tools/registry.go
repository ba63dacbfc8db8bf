// Package tools implements the unified tool registry over internal
// in-process handlers and external tool-server proxies.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

var (
	// ErrNotFound is returned when no tool owns the requested name.
	ErrNotFound = errors.New("tool not found")
	// ErrDuplicate is returned when two external servers claim one name.
	ErrDuplicate = errors.New("duplicate tool registration")
)

// Handler is the polymorphic execution capability behind a tool name:
// either an in-process function or a proxy to an external server.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// Emitter is the bus slice the registry needs.
type Emitter interface {
	Emit(ev models.Event)
}

type registration struct {
	def     models.ToolDefinition
	handler Handler
}

// Registry is the unified lookup over every tool source. Internal tools win
// name conflicts against external ones.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration

	emitter  Emitter
	logger   *observability.Logger
	notifier *changeNotifier
}

// NewRegistry creates a tool registry. Changed events are debounced within
// the given window to avoid storms during external server startup.
func NewRegistry(emitter Emitter, logger *observability.Logger, debounce time.Duration) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	r := &Registry{
		tools:   make(map[string]*registration),
		emitter: emitter,
		logger:  logger.WithComponent("tools"),
	}
	r.notifier = newChangeNotifier(debounce, func(changed []string) {
		if r.emitter != nil {
			r.emitter.Emit(models.NewEvent(models.EventToolRegistryChanged, map[string]any{
				"tools": changed,
			}))
		}
	})
	return r
}

// Register adds or replaces a tool definition.
//
// Conflict policy: an internal tool always wins its name. An external
// registration against an internally owned name is ignored with a warning
// event; against a name owned by a different external server it fails with
// ErrDuplicate. Re-registration by the same source replaces the definition.
func (r *Registry) Register(def models.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Source == "" {
		def.Source = models.SourceInternal
	}
	if def.RiskBaseline == "" {
		def.RiskBaseline = models.LevelBlocking
	}

	r.mu.Lock()
	existing, ok := r.tools[def.Name]
	if ok && existing.def.Source != def.Source {
		if existing.def.Source == models.SourceInternal {
			r.mu.Unlock()
			r.logger.Warn(context.Background(), "external tool shadowed by internal tool",
				"tool", def.Name, "server", string(def.Source))
			if r.emitter != nil {
				r.emitter.Emit(models.NewEvent(models.EventToolError, map[string]string{
					"tool":   def.Name,
					"reason": "name owned by internal tool",
					"server": string(def.Source),
				}))
			}
			return nil
		}
		if def.Source != models.SourceInternal {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s claimed by server %s", ErrDuplicate, def.Name, existing.def.Source)
		}
		// Internal registration displaces the external owner.
	}
	r.tools[def.Name] = &registration{def: def, handler: handler}
	r.mu.Unlock()

	r.notifier.note(def.Name)
	if r.emitter != nil {
		r.emitter.Emit(models.NewEvent(models.EventToolRegistered, map[string]string{
			"tool": def.Name, "source": string(def.Source),
		}))
	}
	return nil
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.notifier.note(name)
	if r.emitter != nil {
		r.emitter.Emit(models.NewEvent(models.EventToolUnregistered, map[string]string{
			"tool": name,
		}))
	}
}

// UnregisterSource removes every tool owned by a source, typically when an
// external server stops.
func (r *Registry) UnregisterSource(source models.ToolSource) {
	r.mu.Lock()
	var removed []string
	for name, reg := range r.tools {
		if reg.def.Source == source {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()
	for _, name := range removed {
		r.notifier.note(name)
	}
}

// Resolve returns the definition and handler for a name.
func (r *Registry) Resolve(name string) (models.ToolDefinition, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return models.ToolDefinition{}, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return reg.def, reg.handler, nil
}

// List returns every definition, name-sorted for determinism.
func (r *Registry) List() []models.ToolDefinition {
	return r.list(func(models.ToolSource) bool { return true })
}

// ListSource returns the definitions owned by one source.
func (r *Registry) ListSource(source models.ToolSource) []models.ToolDefinition {
	return r.list(func(s models.ToolSource) bool { return s == source })
}

func (r *Registry) list(keep func(models.ToolSource) bool) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, reg := range r.tools {
		if keep(reg.def.Source) {
			out = append(out, reg.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close flushes the pending change notification.
func (r *Registry) Close() {
	r.notifier.close()
}

// changeNotifier coalesces registry mutations within a window into a single
// registry-changed notification.
type changeNotifier struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]struct{}
	timer   *time.Timer
	flush   func([]string)
	closed  bool
}

func newChangeNotifier(window time.Duration, flush func([]string)) *changeNotifier {
	return &changeNotifier{
		window:  window,
		pending: make(map[string]struct{}),
		flush:   flush,
	}
}

func (n *changeNotifier) note(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending[name] = struct{}{}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.window, n.fire)
	}
}

func (n *changeNotifier) fire() {
	n.mu.Lock()
	names := make([]string, 0, len(n.pending))
	for name := range n.pending {
		names = append(names, name)
	}
	n.pending = make(map[string]struct{})
	n.timer = nil
	n.mu.Unlock()

	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	n.flush(names)
}

func (n *changeNotifier) close() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.closed = true
	n.mu.Unlock()
	n.fire()
}
