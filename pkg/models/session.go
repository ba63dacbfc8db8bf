package models

import "time"

// AgentIdentity identifies a connected agent.
type AgentIdentity struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session represents one connected agent session on the transport.
// A session is created on connect and destroyed on disconnect or heartbeat
// timeout. An agent may hold sessions in multiple channels.
type Session struct {
	// ID is the unique session identifier (server generated).
	ID string `json:"id"`

	// Identity is the agent bound to this session.
	Identity AgentIdentity `json:"identity"`

	// ChannelIDs are the channels this session has joined.
	ChannelIDs []string `json:"channel_ids,omitempty"`

	// SubscribedKinds are the event kinds this session wants delivered.
	// Empty means all kinds.
	SubscribedKinds []EventKind `json:"subscribed_kinds,omitempty"`

	// AllowedTools is the tool-name allow-list for this session. A nil
	// list denies every tool; dispatch consults it before validation.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// Provider is an opaque handle naming the LLM provider configured for
	// the agent. The substrate never interprets it.
	Provider string `json:"provider,omitempty"`

	// SystemPrompt is an optional per-agent system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// ConnectedAt is when the session was established.
	ConnectedAt time.Time `json:"connected_at"`

	// LastSeen is the last heartbeat or frame receipt time.
	LastSeen time.Time `json:"last_seen"`
}

// AllowsTool reports whether the session may call the named tool.
func (s *Session) AllowsTool(name string) bool {
	for _, t := range s.AllowedTools {
		if t == name || t == "*" {
			return true
		}
	}
	return false
}

// InChannel reports whether the session has joined the channel.
func (s *Session) InChannel(channelID string) bool {
	for _, c := range s.ChannelIDs {
		if c == channelID {
			return true
		}
	}
	return false
}

// Channel is a membership group: the scope of message broadcast and of the
// task graph. Events emitted with a channel id are delivered only to
// sessions in the channel (the "room").
type Channel struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Private          bool              `json:"private,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Capacity         int               `json:"capacity,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Members          []string          `json:"members,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}
