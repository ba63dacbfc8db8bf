// Package gateway is the server's websocket transport and composition
// root: it builds the subsystem graph from configuration, accepts agent
// connections, routes inbound events to the owning subsystem, and delivers
// outbound events through per-session bounded queues.
package gateway

import (
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 25 * time.Second
	wsWriteWait       = 10 * time.Second
)

// connectPayload is the data of the agent:register frame, the mandatory
// first frame on every connection.
type connectPayload struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`

	DomainKey string `json:"domain_key,omitempty"`
	UserToken string `json:"user_token,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`

	// Channels to join immediately after the handshake.
	Channels []string `json:"channels,omitempty"`

	// SubscribedKinds filters outbound delivery; empty means all kinds.
	SubscribedKinds []models.EventKind `json:"subscribed_kinds,omitempty"`

	// AllowedTools is the tool allow-list for the session.
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// channelPayload names a channel in join/leave frames.
type channelPayload struct {
	ChannelID string `json:"channel_id"`
}

// taskStatusPayload moves a task through its status machine.
type taskStatusPayload struct {
	ChannelID string            `json:"channel_id"`
	TaskID    string            `json:"task_id"`
	Status    models.TaskStatus `json:"status,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Progress  float64           `json:"progress,omitempty"`
}

// phasePayload carries an ORPAR phase receipt.
type phasePayload struct {
	ChannelID string `json:"channel_id,omitempty"`
}

// memoryKeyPayload addresses one memory record.
type memoryKeyPayload struct {
	ChannelID string `json:"channel_id"`
	MemoryID  string `json:"memory_id"`
}

// essentialKinds are never dropped under backpressure: losing one breaks a
// client invariant (a request without its terminal event, a missed
// shutdown). Non-essential kinds are observability fan-out a client can
// live without.
var essentialKinds = map[models.EventKind]struct{}{
	models.EventAgentConnected:     {},
	models.EventAgentConnectionErr: {},
	models.EventAgentDisconnected:  {},
	models.EventAgentJoinedChannel: {},
	models.EventAgentLeftChannel:   {},
	models.EventHeartbeatResponse:  {},
	models.EventToolResult:         {},
	models.EventToolError:          {},
	models.EventMemoryGetResult:    {},
	models.EventMemoryGetError:     {},
	models.EventMemoryCreateResult: {},
	models.EventMemoryCreateError:  {},
	models.EventMemoryUpdateResult: {},
	models.EventMemoryUpdateError:  {},
	models.EventMemoryDeleteResult: {},
	models.EventMemoryDeleteError:  {},
	models.EventORPARError:         {},
	models.EventORPARStatus:        {},
	models.EventSystemShutdown:     {},
	models.EventSystemError:        {},
}

func essential(kind models.EventKind) bool {
	_, ok := essentialKinds[kind]
	return ok
}
