package bus

import (
	"context"

	"github.com/modelexchange/mxf/pkg/models"
)

// Transport is the narrow interface the client facet needs from the wire.
type Transport interface {
	// Send forwards an event onto the wire.
	Send(ev models.Event) error
	// Connected reports whether the transport is usable.
	Connected() bool
}

// RoomRouter delivers channel-scoped events to the sessions joined to the
// channel. The session registry implements it.
type RoomRouter interface {
	Broadcast(channelID string, ev models.Event)
}

// ClientBus is the SDK-side facet: every emit is also forwarded onto the
// transport, and frames arriving from the transport are mirrored into local
// delivery via Receive.
type ClientBus struct {
	*Bus
	transport Transport
}

// NewClient wraps a core bus with a transport.
func NewClient(core *Bus, transport Transport) *ClientBus {
	return &ClientBus{Bus: core, transport: transport}
}

// Emit delivers locally, then forwards to the transport when connected.
func (c *ClientBus) Emit(ev models.Event) {
	if ev.Meta.Source == "" {
		ev.Meta.Source = models.SourceSDK
	}
	c.Bus.Emit(ev)
	if c.transport != nil && c.transport.Connected() {
		if err := c.transport.Send(ev); err != nil {
			c.logger.Warn(context.Background(), "transport forward failed",
				"kind", string(ev.Kind), "error", err)
		}
	}
}

// Receive mirrors an event arriving from the transport into local delivery
// without forwarding it back out.
func (c *ClientBus) Receive(ev models.Event) {
	c.Bus.Emit(ev)
}

// ServerBus is the server-side facet: emits carrying a channel id are also
// routed to the set of sessions in that room.
type ServerBus struct {
	*Bus
	router RoomRouter
}

// NewServer wraps a core bus with a room router.
func NewServer(core *Bus, router RoomRouter) *ServerBus {
	return &ServerBus{Bus: core, router: router}
}

// SetRouter wires the room router after construction. The session registry
// and the server bus reference each other, so one side is attached late by
// the composition root.
func (s *ServerBus) SetRouter(router RoomRouter) {
	s.router = router
}

// Emit delivers locally, then routes channel-scoped events to the room.
func (s *ServerBus) Emit(ev models.Event) {
	if ev.Meta.Source == "" {
		ev.Meta.Source = models.SourceServer
	}
	s.Bus.Emit(ev)
	if s.router != nil && ev.ChannelID != "" {
		s.router.Broadcast(ev.ChannelID, ev)
	}
}
