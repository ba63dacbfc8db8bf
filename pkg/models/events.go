// Package models defines the core data model shared across the MXF server:
// the closed event taxonomy, agent sessions, channels, tasks, tool
// definitions, validation verdicts, and memory records.
package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies an event on the bus. The set of kinds is closed and
// known at build time; payload shape is determined by the kind.
type EventKind string

// Agent lifecycle events.
const (
	EventAgentRegister      EventKind = "agent:register"
	EventAgentRegistered    EventKind = "agent:registered"
	EventAgentConnected     EventKind = "agent:connected"
	EventAgentConnectionErr EventKind = "agent:connection:error"
	EventAgentDisconnected  EventKind = "agent:disconnected"
	EventAgentError         EventKind = "agent:error"
	EventAgentJoinChannel   EventKind = "agent:join_channel"
	EventAgentJoinedChannel EventKind = "agent:joined_channel"
	EventAgentLeftChannel   EventKind = "agent:left_channel"
)

// Message events.
const (
	EventMessageAgent            EventKind = "message:agent"
	EventMessageAgentDelivered   EventKind = "message:agent:delivered"
	EventMessageChannel          EventKind = "message:channel"
	EventMessageChannelDelivered EventKind = "message:channel:delivered"
	EventMessageSendFailed       EventKind = "message:send:failed"
)

// Channel events.
const (
	EventChannelCreate         EventKind = "channel:create"
	EventChannelCreated        EventKind = "channel:created"
	EventChannelAgentJoined    EventKind = "channel:agent:joined"
	EventChannelAgentLeft      EventKind = "channel:agent:left"
	EventChannelContextGet     EventKind = "channel:context:get"
	EventChannelContextGot     EventKind = "channel:context:got"
	EventChannelContextUpdate  EventKind = "channel:context:update"
	EventChannelContextUpdated EventKind = "channel:context:updated"
)

// Memory CRUD events.
const (
	EventMemoryGet          EventKind = "memory:get"
	EventMemoryGetResult    EventKind = "memory:get:result"
	EventMemoryGetError     EventKind = "memory:get:error"
	EventMemoryCreate       EventKind = "memory:create"
	EventMemoryCreateResult EventKind = "memory:create:result"
	EventMemoryCreateError  EventKind = "memory:create:error"
	EventMemoryUpdate       EventKind = "memory:update"
	EventMemoryUpdateResult EventKind = "memory:update:result"
	EventMemoryUpdateError  EventKind = "memory:update:error"
	EventMemoryDelete       EventKind = "memory:delete"
	EventMemoryDeleteResult EventKind = "memory:delete:result"
	EventMemoryDeleteError  EventKind = "memory:delete:error"
)

// Task lifecycle events.
const (
	EventTaskCreated         EventKind = "task:created"
	EventTaskAssigned        EventKind = "task:assigned"
	EventTaskStarted         EventKind = "task:started"
	EventTaskProgressUpdated EventKind = "task:progress_updated"
	EventTaskCompleted       EventKind = "task:completed"
	EventTaskFailed          EventKind = "task:failed"
	EventTaskCancelled       EventKind = "task:cancelled"
	EventTaskReassigned      EventKind = "task:reassigned"
)

// DAG events.
const (
	EventDAGDependenciesResolved EventKind = "dag:task_dependencies_resolved"
	EventDAGTaskBlocked          EventKind = "dag:task_blocked"
	EventDAGTaskUnblocked        EventKind = "dag:task_unblocked"
	EventDAGCycleDetected        EventKind = "dag:cycle_detected"
	EventDAGOrderComputed        EventKind = "dag:execution_order_computed"
)

// Tool (MCP) events.
const (
	EventToolRegister        EventKind = "mcp:tool:register"
	EventToolRegistered      EventKind = "mcp:tool:registered"
	EventToolUnregister      EventKind = "mcp:tool:unregister"
	EventToolUnregistered    EventKind = "mcp:tool:unregistered"
	EventToolCall            EventKind = "mcp:tool:call"
	EventToolResult          EventKind = "mcp:tool:result"
	EventToolError           EventKind = "mcp:tool:error"
	EventToolExecution       EventKind = "mcp:tool:execution"
	EventToolRegistryChanged EventKind = "mcp:tool:registry:changed"

	EventExternalServerRegister EventKind = "mcp:external:server:register"
	EventExternalServerSpawn    EventKind = "mcp:external:server:spawn"
	EventExternalServerStarted  EventKind = "mcp:external:server:started"
	EventExternalServerStopped  EventKind = "mcp:external:server:stopped"
	EventExternalServerError    EventKind = "mcp:external:server:error"
	EventExternalServerHealth   EventKind = "mcp:external:server:health"
)

// ORPAR cognitive-cycle events.
const (
	EventORPARObserve    EventKind = "orpar:observe"
	EventORPARReason     EventKind = "orpar:reason"
	EventORPARPlan       EventKind = "orpar:plan"
	EventORPARAct        EventKind = "orpar:act"
	EventORPARReflect    EventKind = "orpar:reflect"
	EventORPARStatus     EventKind = "orpar:status"
	EventORPARError      EventKind = "orpar:error"
	EventORPARClearState EventKind = "orpar:clearState"

	EventSurpriseObservationQueued EventKind = "surprise:observation:queued"
	EventPlanReconsider            EventKind = "plan:reconsider"
)

// MULS (memory utility learning) events.
const (
	EventQValueUpdated             EventKind = "memory:qvalue_updated"
	EventQValueBatchUpdated        EventKind = "memory:qvalue_batch_updated"
	EventUtilityRetrievalCompleted EventKind = "memory:utility_retrieval_completed"
	EventRewardAttributed          EventKind = "memory:reward_attributed"
	EventMemoryDegraded            EventKind = "memory:search_degraded"
)

// Heartbeat events.
const (
	EventHeartbeat         EventKind = "heartbeat"
	EventHeartbeatResponse EventKind = "heartbeat:response"
	EventHeartbeatTimeout  EventKind = "heartbeat:timeout"
)

// System events.
const (
	EventSystemShutdown      EventKind = "system:shutdown"
	EventSystemError         EventKind = "system:error"
	EventInferenceFallback   EventKind = "system:inference_fallback"
	EventValidationCompleted EventKind = "validation:completed"
)

// EventSource identifies which side of the transport produced an event.
type EventSource string

const (
	SourceSDK    EventSource = "sdk"
	SourceServer EventSource = "server"
)

// ProtocolVersion is the wire protocol version carried in event metadata.
const ProtocolVersion = 1

// EventMeta carries correlation metadata for an event.
type EventMeta struct {
	RequestID       string      `json:"request_id,omitempty"`
	Source          EventSource `json:"source,omitempty"`
	ProtocolVersion int         `json:"protocol_version,omitempty"`
}

// Event is a single occurrence on the bus. Kind determines the shape of
// Data. AgentID and ChannelID are optional; events carrying a ChannelID are
// delivered only to sessions joined to that channel.
type Event struct {
	Kind        EventKind       `json:"kind"`
	TimestampMs int64           `json:"timestamp"`
	AgentID     string          `json:"agent_id,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Meta        EventMeta       `json:"meta,omitempty"`
}

// NewEvent builds an event of the given kind with the current timestamp.
// The payload is marshalled to JSON; a payload that cannot be marshalled is
// replaced with null rather than failing the emit.
func NewEvent(kind EventKind, payload any) Event {
	var data json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	return Event{
		Kind:        kind,
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
		Meta:        EventMeta{ProtocolVersion: ProtocolVersion},
	}
}

// WithAgent returns a copy of the event scoped to an agent.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithChannel returns a copy of the event scoped to a channel room.
func (e Event) WithChannel(channelID string) Event {
	e.ChannelID = channelID
	return e
}

// WithRequestID returns a copy of the event correlated to a request.
func (e Event) WithRequestID(requestID string) Event {
	e.Meta.RequestID = requestID
	return e
}

// DecodeData unmarshals the event payload into v.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// allKinds indexes every kind in the taxonomy for validation.
var allKinds = func() map[EventKind]struct{} {
	kinds := []EventKind{
		EventAgentRegister, EventAgentRegistered, EventAgentConnected,
		EventAgentConnectionErr, EventAgentDisconnected, EventAgentError,
		EventAgentJoinChannel, EventAgentJoinedChannel, EventAgentLeftChannel,
		EventMessageAgent, EventMessageAgentDelivered, EventMessageChannel,
		EventMessageChannelDelivered, EventMessageSendFailed,
		EventChannelCreate, EventChannelCreated, EventChannelAgentJoined,
		EventChannelAgentLeft, EventChannelContextGet, EventChannelContextGot,
		EventChannelContextUpdate, EventChannelContextUpdated,
		EventMemoryGet, EventMemoryGetResult, EventMemoryGetError,
		EventMemoryCreate, EventMemoryCreateResult, EventMemoryCreateError,
		EventMemoryUpdate, EventMemoryUpdateResult, EventMemoryUpdateError,
		EventMemoryDelete, EventMemoryDeleteResult, EventMemoryDeleteError,
		EventTaskCreated, EventTaskAssigned, EventTaskStarted,
		EventTaskProgressUpdated, EventTaskCompleted, EventTaskFailed,
		EventTaskCancelled, EventTaskReassigned,
		EventDAGDependenciesResolved, EventDAGTaskBlocked, EventDAGTaskUnblocked,
		EventDAGCycleDetected, EventDAGOrderComputed,
		EventToolRegister, EventToolRegistered, EventToolUnregister,
		EventToolUnregistered, EventToolCall, EventToolResult, EventToolError,
		EventToolExecution, EventToolRegistryChanged,
		EventExternalServerRegister, EventExternalServerSpawn,
		EventExternalServerStarted, EventExternalServerStopped,
		EventExternalServerError, EventExternalServerHealth,
		EventORPARObserve, EventORPARReason, EventORPARPlan, EventORPARAct,
		EventORPARReflect, EventORPARStatus, EventORPARError, EventORPARClearState,
		EventSurpriseObservationQueued, EventPlanReconsider,
		EventQValueUpdated, EventQValueBatchUpdated,
		EventUtilityRetrievalCompleted, EventRewardAttributed, EventMemoryDegraded,
		EventHeartbeat, EventHeartbeatResponse, EventHeartbeatTimeout,
		EventSystemShutdown, EventSystemError, EventInferenceFallback,
		EventValidationCompleted,
	}
	m := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return m
}()

// KnownKind reports whether kind belongs to the closed taxonomy.
func KnownKind(kind EventKind) bool {
	_, ok := allKinds[kind]
	return ok
}
