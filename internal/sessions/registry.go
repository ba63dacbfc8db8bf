// Package sessions tracks connected agent sessions, their channel rooms,
// and their heartbeat liveness.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// ErrUnknownSession is returned for operations on sessions the registry
// does not know.
var ErrUnknownSession = errors.New("unknown session")

// Sink receives outbound events for one session. The gateway's websocket
// session implements it with a bounded queue.
type Sink interface {
	// Deliver hands an event to the session's outbound queue. Essential
	// kinds may block briefly; non-essential kinds are dropped when full.
	Deliver(ev models.Event) error
	// Close releases the sink.
	Close() error
}

// Emitter is the slice of the server bus the registry needs for lifecycle
// events. Using the narrow interface keeps the registry/bus cycle at the
// composition root.
type Emitter interface {
	Emit(ev models.Event)
}

type entry struct {
	session *models.Session
	sink    Sink

	// ctx is cancelled on disconnect; in-flight work for the session
	// derives from it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry is the authoritative map from session id to identity, channel
// membership, and liveness. It implements bus.RoomRouter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// rooms maps channel id to the member session ids, insertion ordered
	// so broadcast order is deterministic.
	rooms map[string][]string

	emitter Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Options configure the registry.
type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// NewRegistry creates a session registry.
func NewRegistry(emitter Emitter, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 150 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Registry{
		entries:          make(map[string]*entry),
		rooms:            make(map[string][]string),
		emitter:          emitter,
		logger:           logger.WithComponent("sessions"),
		metrics:          metrics,
		heartbeatTimeout: opts.HeartbeatTimeout,
		sweepInterval:    opts.SweepInterval,
		stopSweep:        make(chan struct{}),
		sweepDone:        make(chan struct{}),
	}
}

// Register adds a connected session with its outbound sink. The returned
// context is cancelled when the session disconnects or times out.
func (r *Registry) Register(session *models.Session, sink Sink) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	session.ConnectedAt = now
	session.LastSeen = now

	r.mu.Lock()
	r.entries[session.ID] = &entry{session: session, sink: sink, ctx: ctx, cancel: cancel}
	n := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(n))
	}
	r.logger.Info(ctx, "session registered",
		"session_id", session.ID, "agent_id", session.Identity.AgentID)
	return ctx
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	clone := *e.session
	return &clone, true
}

// Context returns the session-scoped context, used to cancel in-flight
// calls on disconnect.
func (r *Registry) Context(sessionID string) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// JoinChannel adds the session to a channel room. Joining a room the
// session is already in is a no-op.
func (r *Registry) JoinChannel(sessionID, channelID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	if e.session.InChannel(channelID) {
		r.mu.Unlock()
		return nil
	}
	e.session.ChannelIDs = append(e.session.ChannelIDs, channelID)
	r.rooms[channelID] = append(r.rooms[channelID], sessionID)
	agentID := e.session.Identity.AgentID
	r.mu.Unlock()

	if r.emitter != nil {
		ev := models.NewEvent(models.EventChannelAgentJoined, map[string]string{
			"agent_id": agentID, "session_id": sessionID,
		}).WithAgent(agentID).WithChannel(channelID)
		r.emitter.Emit(ev)
	}
	return nil
}

// LeaveChannel removes the session from a room and notifies the room.
func (r *Registry) LeaveChannel(sessionID, channelID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	r.removeFromRoomLocked(sessionID, channelID)
	for i, c := range e.session.ChannelIDs {
		if c == channelID {
			e.session.ChannelIDs = append(e.session.ChannelIDs[:i], e.session.ChannelIDs[i+1:]...)
			break
		}
	}
	agentID := e.session.Identity.AgentID
	r.mu.Unlock()

	if r.emitter != nil {
		ev := models.NewEvent(models.EventChannelAgentLeft, map[string]string{
			"agent_id": agentID, "session_id": sessionID,
		}).WithAgent(agentID).WithChannel(channelID)
		r.emitter.Emit(ev)
	}
	return nil
}

func (r *Registry) removeFromRoomLocked(sessionID, channelID string) {
	members := r.rooms[channelID]
	for i, id := range members {
		if id == sessionID {
			r.rooms[channelID] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(r.rooms[channelID]) == 0 {
		delete(r.rooms, channelID)
	}
}

// Heartbeat refreshes the session's liveness timestamp.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	e.session.LastSeen = time.Now()
	return nil
}

// Broadcast delivers an event to every session in the channel room that
// subscribed to the event's kind, in join order.
func (r *Registry) Broadcast(channelID string, ev models.Event) {
	r.mu.RLock()
	members := r.rooms[channelID]
	targets := make([]*entry, 0, len(members))
	for _, id := range members {
		if e, ok := r.entries[id]; ok && wantsKind(e.session, ev.Kind) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if err := e.sink.Deliver(ev); err != nil {
			r.logger.Warn(e.ctx, "broadcast delivery failed",
				"session_id", e.session.ID, "kind", string(ev.Kind), "error", err)
		}
	}
}

// Deliver hands an event directly to one session's sink, bypassing room
// routing. Used for direct agent-to-agent messages and replies.
func (r *Registry) Deliver(sessionID string, ev models.Event) error {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return e.sink.Deliver(ev)
}

// ForEachInChannel invokes fn for every session currently in the channel.
func (r *Registry) ForEachInChannel(channelID string, fn func(*models.Session)) {
	r.mu.RLock()
	members := r.rooms[channelID]
	snapshot := make([]*models.Session, 0, len(members))
	for _, id := range members {
		if e, ok := r.entries[id]; ok {
			clone := *e.session
			snapshot = append(snapshot, &clone)
		}
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Disconnect removes the session, cancels its in-flight work, and emits
// the departure events.
func (r *Registry) Disconnect(sessionID string) {
	r.remove(sessionID, "disconnect")
}

func (r *Registry) remove(sessionID, reason string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, sessionID)
	channels := append([]string(nil), e.session.ChannelIDs...)
	for _, c := range channels {
		r.removeFromRoomLocked(sessionID, c)
	}
	n := len(r.entries)
	r.mu.Unlock()

	e.cancel()
	_ = e.sink.Close()
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(n))
	}

	agentID := e.session.Identity.AgentID
	if r.emitter != nil {
		r.emitter.Emit(models.NewEvent(models.EventAgentDisconnected, map[string]string{
			"agent_id": agentID, "session_id": sessionID, "reason": reason,
		}).WithAgent(agentID))
		for _, c := range channels {
			r.emitter.Emit(models.NewEvent(models.EventChannelAgentLeft, map[string]string{
				"agent_id": agentID, "session_id": sessionID, "reason": reason,
			}).WithAgent(agentID).WithChannel(c))
		}
	}
	r.logger.Info(context.Background(), "session removed",
		"session_id", sessionID, "agent_id", agentID, "reason", reason)
}

// StartSweeper runs the liveness sweep until StopSweeper is called. A
// session silent for longer than the heartbeat timeout is removed within
// one sweep interval.
func (r *Registry) StartSweeper() {
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopSweep:
				return
			}
		}
	}()
}

// StopSweeper stops the liveness sweep.
func (r *Registry) StopSweeper() {
	close(r.stopSweep)
	<-r.sweepDone
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var dead []string
	for id, e := range r.entries {
		if e.session.LastSeen.Before(cutoff) {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		if r.metrics != nil {
			r.metrics.HeartbeatTimeouts.Inc()
		}
		if r.emitter != nil {
			r.emitter.Emit(models.NewEvent(models.EventHeartbeatTimeout, map[string]string{
				"session_id": id,
			}))
		}
		r.remove(id, "heartbeat_timeout")
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns copies of all live sessions.
func (r *Registry) List() []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Session, 0, len(r.entries))
	for _, e := range r.entries {
		clone := *e.session
		out = append(out, &clone)
	}
	return out
}

func wantsKind(s *models.Session, kind models.EventKind) bool {
	if len(s.SubscribedKinds) == 0 {
		return true
	}
	for _, k := range s.SubscribedKinds {
		if k == kind {
			return true
		}
	}
	return false
}
