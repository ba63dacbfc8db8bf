package builtin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modelexchange/mxf/internal/tools"
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

func (c *captureEmitter) last() (models.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return models.Event{}, false
	}
	return c.events[len(c.events)-1], true
}

type fakeTasks struct {
	created *models.Task
}

func (f *fakeTasks) CreateTask(_ context.Context, task *models.Task) (*models.Task, error) {
	task.ID = "t-1"
	task.Status = models.TaskStatusPending
	f.created = task
	return task, nil
}

type fakeRetriever struct {
	phase models.Phase
	query string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, query string, phase models.Phase, _ int) ([]models.ScoredMemory, error) {
	f.phase = phase
	f.query = query
	return []models.ScoredMemory{{
		Record: &models.MemoryRecord{ID: "m1", Content: "hit"},
		Score:  0.9,
	}}, nil
}

func newBuiltins(t *testing.T) (*tools.Registry, *captureEmitter, *fakeTasks, *fakeRetriever) {
	t.Helper()
	reg := tools.NewRegistry(nil, nil, time.Millisecond)
	t.Cleanup(reg.Close)
	emitter := &captureEmitter{}
	taskDep := &fakeTasks{}
	memDep := &fakeRetriever{}
	err := RegisterAll(reg, Deps{Emitter: emitter, Tasks: taskDep, Memory: memDep})
	if err != nil {
		t.Fatal(err)
	}
	return reg, emitter, taskDep, memDep
}

func invoke(t *testing.T, reg *tools.Registry, name, input string) json.RawMessage {
	t.Helper()
	_, handler, err := reg.Resolve(name)
	if err != nil {
		t.Fatal(err)
	}
	out, err := handler.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func TestRegisterAllInstallsEveryTool(t *testing.T) {
	reg, _, _, _ := newBuiltins(t)
	for _, name := range []string{"tool_help", "messaging_send", "task_create", "memory_search"} {
		def, _, err := reg.Resolve(name)
		if err != nil {
			t.Errorf("%s missing: %v", name, err)
			continue
		}
		if def.Source != models.SourceInternal {
			t.Errorf("%s source = %q", name, def.Source)
		}
		if len(def.InputSchema) == 0 {
			t.Errorf("%s has no input schema", name)
		}
	}
}

func TestToolHelp(t *testing.T) {
	reg, _, _, _ := newBuiltins(t)
	out := invoke(t, reg, "tool_help", `{"toolName": "task_create"}`)

	var help struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(out, &help); err != nil {
		t.Fatal(err)
	}
	if help.Name != "task_create" || help.Source != string(models.SourceInternal) {
		t.Errorf("help = %+v", help)
	}

	// Unknown tools surface the registry error.
	_, handler, _ := reg.Resolve("tool_help")
	if _, err := handler.Invoke(context.Background(), json.RawMessage(`{"toolName": "ghost"}`)); err == nil {
		t.Error("unknown tool described")
	}
}

func TestMessagingSendEmitsToRoom(t *testing.T) {
	reg, emitter, _, _ := newBuiltins(t)
	invoke(t, reg, "messaging_send", `{"channelId": "ch-1", "content": "hello"}`)

	ev, ok := emitter.last()
	if !ok || ev.Kind != models.EventMessageChannel {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ChannelID != "ch-1" {
		t.Errorf("channel = %q", ev.ChannelID)
	}
}

func TestTaskCreate(t *testing.T) {
	reg, _, taskDep, _ := newBuiltins(t)
	out := invoke(t, reg, "task_create",
		`{"channelId": "ch-1", "title": "index the corpus", "dependsOn": ["t-0"]}`)

	var result struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatal(err)
	}
	if result.TaskID != "t-1" || result.Status != string(models.TaskStatusPending) {
		t.Errorf("result = %+v", result)
	}
	if taskDep.created == nil || taskDep.created.ChannelID != "ch-1" || len(taskDep.created.DependsOn) != 1 {
		t.Errorf("created = %+v", taskDep.created)
	}
}

func TestMemorySearch(t *testing.T) {
	reg, _, _, memDep := newBuiltins(t)
	out := invoke(t, reg, "memory_search",
		`{"channelId": "ch-1", "query": "parser design", "phase": "act"}`)

	var results []models.ScoredMemory
	if err := json.Unmarshal(out, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Record.ID != "m1" {
		t.Errorf("results = %+v", results)
	}
	if memDep.phase != models.PhaseAct || memDep.query != "parser design" {
		t.Errorf("retrieval args: phase=%q query=%q", memDep.phase, memDep.query)
	}
}

func TestMemorySearchDefaultsAndRejections(t *testing.T) {
	reg, _, _, memDep := newBuiltins(t)
	invoke(t, reg, "memory_search", `{"channelId": "ch-1", "query": "q"}`)
	if memDep.phase != models.PhaseObserve {
		t.Errorf("default phase = %q", memDep.phase)
	}

	_, handler, _ := reg.Resolve("memory_search")
	_, err := handler.Invoke(context.Background(),
		json.RawMessage(`{"channelId": "ch-1", "query": "q", "phase": "daydream"}`))
	if err == nil {
		t.Error("unknown phase accepted")
	}
}
