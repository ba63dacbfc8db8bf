package orpar

import (
	"context"
	"sync"
	"testing"

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

func (c *captureEmitter) count(kind models.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeMemory struct {
	surprise    float64
	attributed  map[string]float64
	attributeMu sync.Mutex
}

func (f *fakeMemory) Retrieve(context.Context, string, string, models.Phase, int) ([]models.ScoredMemory, error) {
	return nil, nil
}

func (f *fakeMemory) Surprise(string) float64 { return f.surprise }

func (f *fakeMemory) Attribute(_ context.Context, taskID string, reward float64) error {
	f.attributeMu.Lock()
	defer f.attributeMu.Unlock()
	if f.attributed == nil {
		f.attributed = make(map[string]float64)
	}
	f.attributed[taskID] = reward
	return nil
}

func advance(t *testing.T, c *Coordinator, agentID string, phases ...models.Phase) {
	t.Helper()
	for _, p := range phases {
		if err := c.Advance(context.Background(), agentID, "chan-1", p); err != nil {
			t.Fatalf("advance %s: %v", p, err)
		}
	}
}

func TestFullCycle(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})

	advance(t, c, "a1",
		models.PhaseObserve, models.PhaseReason, models.PhasePlan,
		models.PhaseAct, models.PhaseReflect)

	state, ok := c.State("a1")
	if !ok {
		t.Fatal("state missing")
	}
	if state.CurrentPhase != models.PhaseReflect {
		t.Errorf("phase = %q", state.CurrentPhase)
	}
	if state.CycleNumber != 1 {
		t.Errorf("cycle = %d", state.CycleNumber)
	}
	if state.LoopID == "" {
		t.Error("loop id not assigned")
	}
	if len(state.History) != 5 {
		t.Errorf("history length = %d", len(state.History))
	}

	for _, kind := range []models.EventKind{
		models.EventORPARObserve, models.EventORPARReason, models.EventORPARPlan,
		models.EventORPARAct, models.EventORPARReflect,
	} {
		if emitter.count(kind) != 1 {
			t.Errorf("%s emitted %d times", kind, emitter.count(kind))
		}
	}
}

func TestObserveAfterReflectStartsNextCycle(t *testing.T) {
	c := NewCoordinator(nil, nil, nil, Options{})
	advance(t, c, "a1",
		models.PhaseObserve, models.PhaseReason, models.PhasePlan,
		models.PhaseAct, models.PhaseReflect)
	first, _ := c.State("a1")

	advance(t, c, "a1", models.PhaseObserve)
	second, _ := c.State("a1")
	if second.CycleNumber != 2 {
		t.Errorf("cycle = %d", second.CycleNumber)
	}
	if second.LoopID != first.LoopID {
		t.Error("loop id changed between cycles")
	}
}

func TestOutOfOrderPhaseRejected(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})
	advance(t, c, "a1", models.PhaseObserve)

	err := c.Advance(context.Background(), "a1", "chan-1", models.PhasePlan)
	if err == nil {
		t.Fatal("plan accepted directly after observe")
	}
	if emitter.count(models.EventORPARError) != 1 {
		t.Error("orpar:error not emitted")
	}

	state, _ := c.State("a1")
	if state.CurrentPhase != models.PhaseObserve {
		t.Errorf("state mutated on rejection: %q", state.CurrentPhase)
	}
	if len(state.History) != 1 {
		t.Errorf("history grew on rejection: %d", len(state.History))
	}

	// The loop still proceeds through the legal successor.
	advance(t, c, "a1", models.PhaseReason)
}

func TestEntryMustBeObserve(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})
	if err := c.Advance(context.Background(), "a1", "chan-1", models.PhaseAct); err == nil {
		t.Error("act accepted from idle")
	}
	if state, ok := c.State("a1"); ok && state.CurrentPhase != "" {
		t.Errorf("phase = %q, want idle", state.CurrentPhase)
	}
}

func TestUnknownPhaseRejected(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})
	if err := c.Advance(context.Background(), "a1", "chan-1", models.Phase("daydream")); err == nil {
		t.Error("unknown phase accepted")
	}
	if emitter.count(models.EventORPARError) != 1 {
		t.Error("orpar:error not emitted")
	}
}

func TestClearState(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})
	advance(t, c, "a1", models.PhaseObserve)

	c.ClearState("a1")
	if _, ok := c.State("a1"); ok {
		t.Error("state survived clear")
	}
	if emitter.count(models.EventORPARClearState) != 1 {
		t.Error("orpar:clear_state not emitted")
	}
	// Clearing an unknown agent stays silent.
	c.ClearState("ghost")
	if emitter.count(models.EventORPARClearState) != 1 {
		t.Error("clear of unknown agent emitted")
	}

	// A fresh loop starts at cycle 1 with a new loop id.
	advance(t, c, "a1", models.PhaseObserve)
	state, _ := c.State("a1")
	if state.CycleNumber != 1 {
		t.Errorf("cycle after clear = %d", state.CycleNumber)
	}
}

func TestStatusEvent(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(emitter, nil, nil, Options{})
	advance(t, c, "a1", models.PhaseObserve)

	c.Status("a1")
	if emitter.count(models.EventORPARStatus) != 1 {
		t.Fatal("orpar:status not emitted")
	}
	// Unknown agents still get a status reply.
	c.Status("ghost")
	if emitter.count(models.EventORPARStatus) != 2 {
		t.Error("status for unknown agent missing")
	}
}

func TestSurpriseQueuesObservation(t *testing.T) {
	emitter := &captureEmitter{}
	mem := &fakeMemory{surprise: 0.95}
	c := NewCoordinator(emitter, mem, nil, Options{SurpriseThreshold: 0.8})

	advance(t, c, "a1", models.PhaseObserve, models.PhaseReason)
	if got := emitter.count(models.EventSurpriseObservationQueued); got != 2 {
		t.Errorf("surprise queue events = %d, want one per observe/reason", got)
	}

	advance(t, c, "a1", models.PhasePlan)
	if emitter.count(models.EventPlanReconsider) != 1 {
		t.Error("plan:reconsider not emitted")
	}

	// Act and reflect do not react to surprise.
	advance(t, c, "a1", models.PhaseAct, models.PhaseReflect)
	if emitter.count(models.EventSurpriseObservationQueued) != 2 {
		t.Error("surprise integration leaked into act/reflect")
	}
}

func TestLowSurpriseStaysQuiet(t *testing.T) {
	emitter := &captureEmitter{}
	mem := &fakeMemory{surprise: 0.2}
	c := NewCoordinator(emitter, mem, nil, Options{SurpriseThreshold: 0.8})
	advance(t, c, "a1", models.PhaseObserve, models.PhaseReason, models.PhasePlan)
	if emitter.count(models.EventSurpriseObservationQueued) != 0 || emitter.count(models.EventPlanReconsider) != 0 {
		t.Error("surprise hooks fired below threshold")
	}
}

func TestAttributeOnReflect(t *testing.T) {
	mem := &fakeMemory{}
	c := NewCoordinator(nil, mem, nil, Options{})
	c.AttributeOnReflect(context.Background(), "task-1", 1.0)
	if mem.attributed["task-1"] != 1.0 {
		t.Errorf("attributed = %v", mem.attributed)
	}

	// A nil memory layer is tolerated.
	bare := NewCoordinator(nil, nil, nil, Options{})
	bare.AttributeOnReflect(context.Background(), "task-1", -1.0)
}
