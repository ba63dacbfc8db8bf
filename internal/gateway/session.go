package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/modelexchange/mxf/internal/auth"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// errQueueStalled reports a session whose essential send blocked past the
// configured timeout; the server disconnects it rather than block producers.
var errQueueStalled = errors.New("outbound queue stalled")

// wsSession is one connected agent. It implements sessions.Sink: outbound
// events pass through a bounded queue so a slow reader never blocks the
// emitting subsystem. Non-essential events are dropped when the queue is
// full; essential events block briefly and a sustained stall disconnects
// the session.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	logger *observability.Logger

	sessionID string
	agentID   string

	outbound chan models.Event
	sendWait time.Duration

	connected bool

	closeOnce sync.Once
	closed    chan struct{}
	writeDone chan struct{}
}

func newWSSession(server *Server, conn *websocket.Conn) *wsSession {
	size := server.cfg.Server.OutboundQueueSize
	if size <= 0 {
		size = 256
	}
	sendWait := server.cfg.Server.EssentialSendTimeout
	if sendWait <= 0 {
		sendWait = 5 * time.Second
	}
	return &wsSession{
		server:    server,
		conn:      conn,
		logger:    server.logger.WithComponent("gateway"),
		outbound:  make(chan models.Event, size),
		sendWait:  sendWait,
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// run drives the session: the write pump in the background, the read pump
// on the caller's goroutine.
func (s *wsSession) run() {
	go s.writePump()
	s.readPump()
	s.shutdown()
	<-s.writeDone
}

// Deliver implements sessions.Sink.
func (s *wsSession) Deliver(ev models.Event) error {
	select {
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
	}

	if essential(ev.Kind) {
		timer := time.NewTimer(s.sendWait)
		defer timer.Stop()
		select {
		case s.outbound <- ev:
			return nil
		case <-s.closed:
			return fmt.Errorf("session closed")
		case <-timer.C:
			// A reader that cannot keep up with essential traffic is dead
			// weight; drop the whole session, not the event.
			s.logger.Warn(context.Background(), "essential send stalled, disconnecting",
				"session_id", s.sessionID, "kind", string(ev.Kind))
			s.shutdown()
			return errQueueStalled
		}
	}

	select {
	case s.outbound <- ev:
		return nil
	default:
		if s.server.metrics != nil {
			s.server.metrics.DroppedEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
		return nil
	}
}

// Close implements sessions.Sink.
func (s *wsSession) Close() error {
	s.shutdown()
	return nil
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		if s.sessionID != "" {
			s.server.sessions.Disconnect(s.sessionID)
		}
	})
}

func (s *wsSession) readPump() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var ev models.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(context.Background(), "read failed",
					"session_id", s.sessionID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !s.connected {
			if !s.handleConnect(ev) {
				return
			}
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *wsSession) writePump() {
	defer close(s.writeDone)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.shutdown()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

// reply delivers an event directly to this session, bypassing room routing.
func (s *wsSession) reply(ev models.Event) {
	if err := s.Deliver(ev); err != nil {
		s.logger.Debug(context.Background(), "reply delivery failed",
			"session_id", s.sessionID, "kind", string(ev.Kind), "error", err)
	}
}

// handleConnect processes the mandatory agent:register handshake frame.
// Any other first frame, or failed credentials, ends the connection after
// an agent:connection:error frame.
func (s *wsSession) handleConnect(ev models.Event) bool {
	fail := func(code, msg string) bool {
		errEv := models.NewEvent(models.EventAgentConnectionErr,
			models.NewError(models.ErrKindAuthorization, code, models.SeverityHigh, msg))
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = s.conn.WriteJSON(errEv)
		return false
	}

	if ev.Kind != models.EventAgentRegister {
		return fail(models.CodeMissingParameters, "first frame must be agent:register")
	}
	var payload connectPayload
	if err := ev.DecodeData(&payload); err != nil || payload.AgentID == "" {
		return fail(models.CodeMissingParameters, "agent_id is required")
	}

	principal, err := s.server.verifier.Verify(auth.Credentials{
		DomainKey: payload.DomainKey,
		UserToken: payload.UserToken,
		KeyID:     payload.KeyID,
		SecretKey: payload.SecretKey,
	})
	if err != nil {
		var serr *models.StructuredError
		if errors.As(err, &serr) {
			return fail(serr.Code, serr.Message)
		}
		return fail(models.CodeInternalError, "authentication failed")
	}
	if principal != "" && principal != payload.AgentID {
		s.logger.Debug(context.Background(), "agent id differs from principal",
			"agent_id", payload.AgentID, "principal", principal)
	}

	session := &models.Session{
		ID: uuid.NewString(),
		Identity: models.AgentIdentity{
			AgentID:     payload.AgentID,
			DisplayName: payload.DisplayName,
		},
		SubscribedKinds: payload.SubscribedKinds,
		AllowedTools:    payload.AllowedTools,
	}
	s.server.sessions.Register(session, s)
	s.sessionID = session.ID
	s.agentID = payload.AgentID
	s.connected = true

	s.reply(models.NewEvent(models.EventAgentConnected, map[string]any{
		"sessionId":         session.ID,
		"heartbeatInterval": s.server.cfg.Heartbeat.Interval.Milliseconds(),
		"protocolVersion":   models.ProtocolVersion,
	}).WithAgent(payload.AgentID))
	s.server.bus.Emit(models.NewEvent(models.EventAgentRegistered, map[string]string{
		"agent_id": payload.AgentID, "session_id": session.ID,
	}).WithAgent(payload.AgentID))

	for _, channelID := range payload.Channels {
		s.joinChannel(channelID)
	}
	return true
}
