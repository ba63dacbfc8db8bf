package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

func TestEssentialClassification(t *testing.T) {
	cases := []struct {
		kind models.EventKind
		want bool
	}{
		{models.EventToolResult, true},
		{models.EventToolError, true},
		{models.EventHeartbeatResponse, true},
		{models.EventSystemShutdown, true},
		{models.EventMemoryGetResult, true},
		{models.EventORPARError, true},
		{models.EventMessageChannel, false},
		{models.EventToolRegistryChanged, false},
		{models.EventDAGOrderComputed, false},
		{models.EventQValueUpdated, false},
	}
	for _, tc := range cases {
		if got := essential(tc.kind); got != tc.want {
			t.Errorf("essential(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestDeliverDropsNonEssentialWhenQueueFull(t *testing.T) {
	s := &wsSession{
		server:   &Server{},
		logger:   observability.NewLogger(observability.LogConfig{Level: "error"}),
		outbound: make(chan models.Event, 1),
		sendWait: time.Second,
		closed:   make(chan struct{}),
	}
	if err := s.Deliver(models.NewEvent(models.EventMessageChannel, nil)); err != nil {
		t.Fatal(err)
	}
	// The queue is full: a second non-essential event is dropped, not
	// blocked on.
	done := make(chan error, 1)
	go func() { done <- s.Deliver(models.NewEvent(models.EventToolRegistryChanged, nil)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drop path returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("non-essential delivery blocked on a full queue")
	}
	if len(s.outbound) != 1 {
		t.Errorf("queue length = %d", len(s.outbound))
	}
}

func TestDeliverEssentialWaitsForSpace(t *testing.T) {
	s := &wsSession{
		server:   &Server{},
		logger:   observability.NewLogger(observability.LogConfig{Level: "error"}),
		outbound: make(chan models.Event, 1),
		sendWait: time.Second,
		closed:   make(chan struct{}),
	}
	if err := s.Deliver(models.NewEvent(models.EventMessageChannel, nil)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Deliver(models.NewEvent(models.EventToolResult, nil)) }()

	// Drain one slot; the pending essential send completes.
	<-s.outbound
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("essential delivery failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("essential delivery never completed")
	}
}

func TestDeliverRejectsClosedSession(t *testing.T) {
	s := &wsSession{
		server:   &Server{},
		logger:   observability.NewLogger(observability.LogConfig{Level: "error"}),
		outbound: make(chan models.Event, 1),
		sendWait: time.Second,
		closed:   make(chan struct{}),
	}
	close(s.closed)
	if err := s.Deliver(models.NewEvent(models.EventToolResult, nil)); err == nil {
		t.Error("delivery to a closed session accepted")
	}
}

// newTestServer builds a full in-memory server and exposes its websocket
// endpoint through httptest.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.sessions.StartSweeper()
	s.memory.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	ts := httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntil scans inbound frames until the wanted kind arrives. Unrelated
// broadcast traffic in between is skipped.
func readUntil(t *testing.T, conn *websocket.Conn, kind models.EventKind) models.Event {
	t.Helper()
	for i := 0; i < 32; i++ {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
	t.Fatalf("%s never arrived", kind)
	return models.Event{}
}

func register(t *testing.T, conn *websocket.Conn, agentID string, channels ...string) models.Event {
	t.Helper()
	err := conn.WriteJSON(models.NewEvent(models.EventAgentRegister, connectPayload{
		AgentID:      agentID,
		Channels:     channels,
		AllowedTools: []string{"*"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	return readUntil(t, conn, models.EventAgentConnected)
}

func TestHandshake(t *testing.T) {
	srv, url := newTestServer(t, nil)
	conn := dial(t, url)

	ev := register(t, conn, "agent-1", "ch-1")
	var payload struct {
		SessionID         string `json:"sessionId"`
		HeartbeatInterval int64  `json:"heartbeatInterval"`
		ProtocolVersion   int    `json:"protocolVersion"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.SessionID == "" {
		t.Error("no session id in the welcome frame")
	}
	if payload.ProtocolVersion != models.ProtocolVersion {
		t.Errorf("protocol version = %d", payload.ProtocolVersion)
	}

	joined := readUntil(t, conn, models.EventAgentJoinedChannel)
	if joined.ChannelID != "ch-1" {
		t.Errorf("joined channel = %q", joined.ChannelID)
	}
	if srv.sessions.Count() != 1 {
		t.Errorf("session count = %d", srv.sessions.Count())
	}
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)

	if err := conn.WriteJSON(models.NewEvent(models.EventHeartbeat, nil)); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, models.EventAgentConnectionErr)
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	_, url := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.DomainKey = "hunter2"
	})
	conn := dial(t, url)

	err := conn.WriteJSON(models.NewEvent(models.EventAgentRegister, connectPayload{
		AgentID:   "agent-1",
		DomainKey: "wrong",
	}))
	if err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, models.EventAgentConnectionErr)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	register(t, conn, "agent-1")

	if err := conn.WriteJSON(models.NewEvent(models.EventHeartbeat, nil)); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, models.EventHeartbeatResponse)
	var payload struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Timestamp == 0 {
		t.Error("heartbeat response carries no timestamp")
	}
}

func TestUnknownKindAnswered(t *testing.T) {
	_, url := newTestServer(t, nil)
	conn := dial(t, url)
	register(t, conn, "agent-1")

	if err := conn.WriteJSON(models.NewEvent(models.EventKind("agent:teleport"), nil)); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, models.EventAgentError)
}

func TestToolCallOverWire(t *testing.T) {
	srv, url := newTestServer(t, nil)
	conn := dial(t, url)
	register(t, conn, "agent-1")

	// tool_help is registered as a builtin at construction.
	if _, _, err := srv.tools.Resolve("tool_help"); err != nil {
		t.Fatal(err)
	}
	err := conn.WriteJSON(models.NewEvent(models.EventToolCall, models.ToolCallRequest{
		RequestID: "req-1",
		Tool:      "tool_help",
		Input:     json.RawMessage(`{"toolName": "tool_help"}`),
	}))
	if err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, models.EventToolResult)
	if ev.Meta.RequestID != "req-1" {
		t.Errorf("request id = %q", ev.Meta.RequestID)
	}
}
