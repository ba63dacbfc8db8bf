package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureEmitter) Emit(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) byKind(kind models.EventKind) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func echoHandler(tag string) Handler {
	return HandlerFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"` + tag + `"`), nil
	})
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()

	if err := r.Register(models.ToolDefinition{Name: "echo"}, echoHandler("a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, handler, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if def.Source != models.SourceInternal {
		t.Errorf("source defaulted to %q", def.Source)
	}
	if def.RiskBaseline != models.LevelBlocking {
		t.Errorf("risk baseline defaulted to %q", def.RiskBaseline)
	}
	out, err := handler.Invoke(context.Background(), nil)
	if err != nil || string(out) != `"a"` {
		t.Errorf("handler output = %s, err = %v", out, err)
	}
}

func TestRegisterRequiresName(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()
	if err := r.Register(models.ToolDefinition{}, echoHandler("a")); err == nil {
		t.Error("nameless registration accepted")
	}
}

func TestInternalToolWinsNameConflict(t *testing.T) {
	emitter := &captureEmitter{}
	r := NewRegistry(emitter, nil, time.Millisecond)
	defer r.Close()

	if err := r.Register(models.ToolDefinition{Name: "echo", Source: models.SourceInternal}, echoHandler("internal")); err != nil {
		t.Fatalf("internal register: %v", err)
	}
	// External claim on an internal name is ignored with a warning event.
	if err := r.Register(models.ToolDefinition{Name: "echo", Source: "srv-1"}, echoHandler("external")); err != nil {
		t.Fatalf("external shadow attempt should not error: %v", err)
	}
	def, _, _ := r.Resolve("echo")
	if def.Source != models.SourceInternal {
		t.Error("external registration displaced the internal tool")
	}
	if len(emitter.byKind(models.EventToolError)) != 1 {
		t.Error("shadowed registration did not emit a warning event")
	}
}

func TestExternalDuplicateRejected(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()

	if err := r.Register(models.ToolDefinition{Name: "echo", Source: "srv-1"}, echoHandler("one")); err != nil {
		t.Fatalf("first external: %v", err)
	}
	err := r.Register(models.ToolDefinition{Name: "echo", Source: "srv-2"}, echoHandler("two"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("cross-server duplicate: %v", err)
	}
	// Same server may re-register to replace its definition.
	if err := r.Register(models.ToolDefinition{Name: "echo", Source: "srv-1", Description: "v2"}, echoHandler("one")); err != nil {
		t.Errorf("same-source replace: %v", err)
	}
	def, _, _ := r.Resolve("echo")
	if def.Description != "v2" {
		t.Error("re-registration did not replace the definition")
	}
}

func TestInternalDisplacesExternal(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()
	_ = r.Register(models.ToolDefinition{Name: "echo", Source: "srv-1"}, echoHandler("ext"))
	if err := r.Register(models.ToolDefinition{Name: "echo", Source: models.SourceInternal}, echoHandler("int")); err != nil {
		t.Fatalf("internal displace: %v", err)
	}
	def, _, _ := r.Resolve("echo")
	if def.Source != models.SourceInternal {
		t.Error("internal registration did not displace the external owner")
	}
}

func TestUnregister(t *testing.T) {
	emitter := &captureEmitter{}
	r := NewRegistry(emitter, nil, time.Millisecond)
	defer r.Close()

	_ = r.Register(models.ToolDefinition{Name: "echo"}, echoHandler("a"))
	r.Unregister("echo")
	if _, _, err := r.Resolve("echo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve after unregister: %v", err)
	}
	r.Unregister("ghost") // no-op
	if len(emitter.byKind(models.EventToolUnregistered)) != 1 {
		t.Error("unregister event count wrong")
	}
}

func TestUnregisterSource(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()
	_ = r.Register(models.ToolDefinition{Name: "a", Source: "srv-1"}, echoHandler("a"))
	_ = r.Register(models.ToolDefinition{Name: "b", Source: "srv-1"}, echoHandler("b"))
	_ = r.Register(models.ToolDefinition{Name: "c", Source: "srv-2"}, echoHandler("c"))

	r.UnregisterSource("srv-1")

	if got := len(r.ListSource("srv-1")); got != 0 {
		t.Errorf("srv-1 still owns %d tools", got)
	}
	if got := len(r.ListSource("srv-2")); got != 1 {
		t.Errorf("srv-2 lost tools: %d", got)
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(nil, nil, time.Millisecond)
	defer r.Close()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_ = r.Register(models.ToolDefinition{Name: name}, echoHandler(name))
	}
	list := r.List()
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Errorf("list = %v", list)
	}
}

func TestChangeNotificationDebounced(t *testing.T) {
	emitter := &captureEmitter{}
	r := NewRegistry(emitter, nil, 20*time.Millisecond)

	_ = r.Register(models.ToolDefinition{Name: "a"}, echoHandler("a"))
	_ = r.Register(models.ToolDefinition{Name: "b"}, echoHandler("b"))
	_ = r.Register(models.ToolDefinition{Name: "c"}, echoHandler("c"))

	time.Sleep(50 * time.Millisecond)
	changed := emitter.byKind(models.EventToolRegistryChanged)
	if len(changed) != 1 {
		t.Fatalf("expected one coalesced changed event, got %d", len(changed))
	}
	var payload struct {
		Tools []string `json:"tools"`
	}
	if err := changed[0].DecodeData(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Tools) != 3 || payload.Tools[0] != "a" || payload.Tools[2] != "c" {
		t.Errorf("changed tools = %v", payload.Tools)
	}
	r.Close()
}

func TestCloseFlushesPendingNotification(t *testing.T) {
	emitter := &captureEmitter{}
	r := NewRegistry(emitter, nil, time.Hour) // window never fires on its own
	_ = r.Register(models.ToolDefinition{Name: "a"}, echoHandler("a"))
	r.Close()
	if len(emitter.byKind(models.EventToolRegistryChanged)) != 1 {
		t.Error("close did not flush the pending notification")
	}
}
