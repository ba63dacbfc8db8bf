// Package orpar drives each agent's five-phase cognitive cycle: Observe,
// Reason, Plan, Act, Reflect. Agents advance phases cooperatively via
// events; the coordinator records them, enforces the ordering policy, and
// correlates them under a loop id and cycle number.
package orpar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// Emitter is the bus slice the coordinator needs.
type Emitter interface {
	Emit(ev models.Event)
}

// MemoryLayer is the retrieval/attribution slice of the memory layer the
// coordinator integrates with.
type MemoryLayer interface {
	// Retrieve performs phase-aware retrieval and returns the candidates
	// with a surprise score in [0,1].
	Retrieve(ctx context.Context, channelID, query string, phase models.Phase, limit int) ([]models.ScoredMemory, error)
	// Surprise reports the surprise score of the last retrieval for the
	// agent, used to queue additional observations.
	Surprise(agentID string) float64
	// Attribute applies a reward to every memory referenced during a task.
	Attribute(ctx context.Context, taskID string, reward float64) error
}

// PhaseRecord is one phase receipt in an agent's history.
type PhaseRecord struct {
	Phase     models.Phase `json:"phase"`
	Timestamp time.Time    `json:"timestamp"`
	Cycle     int          `json:"cycle"`
}

// AgentState is the per-agent loop state.
type AgentState struct {
	AgentID      string        `json:"agent_id"`
	ChannelID    string        `json:"channel_id,omitempty"`
	CurrentPhase models.Phase  `json:"current_phase,omitempty"`
	LoopID       string        `json:"loop_id,omitempty"`
	CycleNumber  int           `json:"cycle_number"`
	History      []PhaseRecord `json:"history,omitempty"`
}

// historyLimit bounds the retained per-agent phase history.
const historyLimit = 100

// Coordinator is the per-agent ORPAR state machine.
type Coordinator struct {
	mu     sync.Mutex
	agents map[string]*AgentState

	emitter Emitter
	memory  MemoryLayer
	logger  *observability.Logger

	// surpriseThreshold triggers the additional-observation injection.
	surpriseThreshold float64
}

// Options configure the coordinator.
type Options struct {
	SurpriseThreshold float64
}

// NewCoordinator creates an ORPAR coordinator. Memory may be nil, disabling
// retrieval integration.
func NewCoordinator(emitter Emitter, memory MemoryLayer, logger *observability.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	threshold := opts.SurpriseThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Coordinator{
		agents:            make(map[string]*AgentState),
		emitter:           emitter,
		memory:            memory,
		logger:            logger.WithComponent("orpar"),
		surpriseThreshold: threshold,
	}
}

// Advance records a phase receipt for an agent. Observe is the only legal
// entry from idle or reflect and starts a new cycle; otherwise phases must
// follow observe, reason, plan, act, reflect. Out-of-order receipts emit
// orpar:error and leave the state unchanged.
func (c *Coordinator) Advance(ctx context.Context, agentID, channelID string, phase models.Phase) error {
	if !models.ValidPhase(phase) {
		return c.reject(agentID, channelID, phase, "unknown phase")
	}

	c.mu.Lock()
	state, ok := c.agents[agentID]
	if !ok {
		state = &AgentState{AgentID: agentID}
		c.agents[agentID] = state
	}
	state.ChannelID = channelID

	if !legalTransition(state.CurrentPhase, phase) {
		current := state.CurrentPhase
		c.mu.Unlock()
		return c.reject(agentID, channelID, phase,
			fmt.Sprintf("phase %s not valid after %s", phase, phaseName(current)))
	}

	if phase == models.PhaseObserve {
		state.CycleNumber++
		if state.LoopID == "" {
			state.LoopID = uuid.NewString()
		}
	}
	state.CurrentPhase = phase
	state.History = append(state.History, PhaseRecord{
		Phase:     phase,
		Timestamp: time.Now(),
		Cycle:     state.CycleNumber,
	})
	if len(state.History) > historyLimit {
		state.History = state.History[len(state.History)-historyLimit:]
	}
	loopID, cycle := state.LoopID, state.CycleNumber
	c.mu.Unlock()

	c.emit(models.NewEvent(phaseEvent(phase), map[string]any{
		"loopId": loopID,
		"cycle":  cycle,
	}).WithAgent(agentID).WithChannel(channelID))

	c.integrate(ctx, agentID, channelID, phase)
	return nil
}

// integrate runs the phase-specific memory hooks: surprise checks after
// observe retrievals and reconsideration signals during plan.
func (c *Coordinator) integrate(ctx context.Context, agentID, channelID string, phase models.Phase) {
	if c.memory == nil {
		return
	}
	surprise := c.memory.Surprise(agentID)
	if surprise < c.surpriseThreshold {
		return
	}
	switch phase {
	case models.PhaseObserve, models.PhaseReason:
		c.emit(models.NewEvent(models.EventSurpriseObservationQueued, map[string]any{
			"surprise": surprise,
		}).WithAgent(agentID).WithChannel(channelID))
	case models.PhasePlan:
		c.emit(models.NewEvent(models.EventPlanReconsider, map[string]any{
			"surprise": surprise,
		}).WithAgent(agentID).WithChannel(channelID))
	}
}

// ClearState resets an agent's loop: the next observe starts cycle 1 under
// a fresh loop id.
func (c *Coordinator) ClearState(agentID string) {
	c.mu.Lock()
	state, ok := c.agents[agentID]
	var channelID string
	if ok {
		channelID = state.ChannelID
		delete(c.agents, agentID)
	}
	c.mu.Unlock()
	if ok {
		c.emit(models.NewEvent(models.EventORPARClearState, nil).
			WithAgent(agentID).WithChannel(channelID))
	}
}

// State returns a copy of the agent's loop state.
func (c *Coordinator) State(agentID string) (AgentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.agents[agentID]
	if !ok {
		return AgentState{}, false
	}
	clone := *state
	clone.History = append([]PhaseRecord(nil), state.History...)
	return clone, true
}

// Status emits the agent's current loop state as an orpar:status event.
func (c *Coordinator) Status(agentID string) {
	state, ok := c.State(agentID)
	if !ok {
		state = AgentState{AgentID: agentID}
	}
	c.emit(models.NewEvent(models.EventORPARStatus, state).
		WithAgent(agentID).WithChannel(state.ChannelID))
}

// AttributeOnReflect applies a task reward to the memories used during the
// cycle; called when a task reaches a terminal status.
func (c *Coordinator) AttributeOnReflect(ctx context.Context, taskID string, reward float64) {
	if c.memory == nil {
		return
	}
	if err := c.memory.Attribute(ctx, taskID, reward); err != nil {
		c.logger.Warn(ctx, "reward attribution failed", "task_id", taskID, "error", err)
	}
}

func (c *Coordinator) reject(agentID, channelID string, phase models.Phase, reason string) error {
	c.emit(models.NewEvent(models.EventORPARError, map[string]any{
		"phase":  string(phase),
		"reason": reason,
	}).WithAgent(agentID).WithChannel(channelID))
	return fmt.Errorf("orpar: %s", reason)
}

func (c *Coordinator) emit(ev models.Event) {
	if c.emitter != nil {
		c.emitter.Emit(ev)
	}
}

// legalTransition encodes the ordering policy. The empty phase is the idle
// state before any loop.
func legalTransition(current, next models.Phase) bool {
	switch next {
	case models.PhaseObserve:
		return current == "" || current == models.PhaseReflect
	case models.PhaseReason:
		return current == models.PhaseObserve
	case models.PhasePlan:
		return current == models.PhaseReason
	case models.PhaseAct:
		return current == models.PhasePlan
	case models.PhaseReflect:
		return current == models.PhaseAct
	default:
		return false
	}
}

func phaseName(p models.Phase) string {
	if p == "" {
		return "idle"
	}
	return string(p)
}

func phaseEvent(p models.Phase) models.EventKind {
	switch p {
	case models.PhaseObserve:
		return models.EventORPARObserve
	case models.PhaseReason:
		return models.EventORPARReason
	case models.PhasePlan:
		return models.EventORPARPlan
	case models.PhaseAct:
		return models.EventORPARAct
	default:
		return models.EventORPARReflect
	}
}
