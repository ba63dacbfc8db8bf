package extserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/pkg/models"
)

// transport abstracts how a server is reached: a child process pipe or a
// remote HTTP endpoint.
type transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Connected() bool
	Close() error
}

// Emitter is the bus slice the manager needs.
type Emitter interface {
	Emit(ev models.Event)
}

// managedServer is one supervised external server.
type managedServer struct {
	cfg       ServerConfig
	transport transport
	state     State
	restarts  int

	// healthStop terminates the probe loop for the current incarnation.
	healthStop chan struct{}
}

// Manager supervises external tool servers: registration, spawn, health
// probing, restart with a bounded attempt budget, and call routing.
// Discovered tools are registered in the unified registry as proxies.
type Manager struct {
	cfg      config.ExternalServersConfig
	registry *tools.Registry
	emitter  Emitter
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	servers map[string]*managedServer
	wg      sync.WaitGroup
	closed  bool
}

// NewManager creates the external server manager.
func NewManager(cfg config.ExternalServersConfig, registry *tools.Registry, emitter Emitter, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		emitter:  emitter,
		logger:   logger.WithComponent("extserver"),
		metrics:  metrics,
		servers:  make(map[string]*managedServer),
	}
}

// Register validates and records a server configuration. AutoStart servers
// are spawned immediately.
func (m *Manager) Register(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager closed")
	}
	if _, ok := m.servers[cfg.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("server %s already registered", cfg.ID)
	}
	m.servers[cfg.ID] = &managedServer{cfg: cfg, state: StateRegistered}
	m.mu.Unlock()

	m.emit(models.NewEvent(models.EventExternalServerRegister, map[string]string{
		"serverId":  cfg.ID,
		"transport": string(cfg.Transport),
	}))
	m.logger.Info(ctx, "tool server registered", "server", cfg.ID, "transport", string(cfg.Transport))

	if cfg.AutoStart {
		return m.Spawn(ctx, cfg.ID)
	}
	return nil
}

// Spawn starts a registered server: connect the transport, wait for a
// successful ping within the startup timeout, discover its tools, then run
// the health loop.
func (m *Manager) Spawn(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %s not registered", id)
	}
	switch srv.state {
	case StateSpawning, StateRunning, StateRestarting:
		m.mu.Unlock()
		return fmt.Errorf("server %s already %s", id, srv.state)
	}
	srv.state = StateSpawning
	m.mu.Unlock()

	m.emit(models.NewEvent(models.EventExternalServerSpawn, map[string]string{"serverId": id}))

	if err := m.start(ctx, srv); err != nil {
		m.setState(srv, StateStopped)
		m.emit(models.NewEvent(models.EventExternalServerError, map[string]string{
			"serverId": id,
			"error":    err.Error(),
		}))
		return err
	}
	return nil
}

// start brings up the transport for the server's current incarnation. The
// caller owns the state transition on failure.
func (m *Manager) start(ctx context.Context, srv *managedServer) error {
	var tp transport
	switch srv.cfg.Transport {
	case TransportHTTP:
		tp = newHTTPTransport(&srv.cfg)
	default:
		tp = newPipeTransport(&srv.cfg, m.logger, func() { m.onCrash(srv.cfg.ID) })
	}

	// Background context for the child process: the spawn context only
	// bounds startup, not the server's lifetime.
	if err := tp.Connect(context.Background()); err != nil {
		return fmt.Errorf("connect %s: %w", srv.cfg.ID, err)
	}

	startupTimeout := srv.cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = m.cfg.StartupTimeout
	}
	if _, err := tp.Call(ctx, methodPing, nil, startupTimeout); err != nil {
		_ = tp.Close()
		return fmt.Errorf("startup ping %s: %w", srv.cfg.ID, err)
	}

	healthStop := make(chan struct{})
	m.mu.Lock()
	srv.transport = tp
	srv.state = StateRunning
	srv.healthStop = healthStop
	m.mu.Unlock()

	count, err := m.discoverTools(ctx, srv)
	if err != nil {
		m.logger.Warn(ctx, "tool discovery failed", "server", srv.cfg.ID, "error", err)
	}

	m.emit(models.NewEvent(models.EventExternalServerStarted, map[string]any{
		"serverId": srv.cfg.ID,
		"tools":    count,
	}))
	m.logger.Info(ctx, "tool server started", "server", srv.cfg.ID, "tools", count)

	m.wg.Add(1)
	go m.healthLoop(srv, healthStop)
	return nil
}

// discoverTools lists the server's tools and registers proxies for them.
func (m *Manager) discoverTools(ctx context.Context, srv *managedServer) (int, error) {
	raw, err := srv.transport.Call(ctx, methodListTools, nil, m.callTimeout(srv))
	if err != nil {
		return 0, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode tools/list: %w", err)
	}

	serverID := srv.cfg.ID
	registered := 0
	for _, desc := range result.Tools {
		def := models.ToolDefinition{
			Name:         desc.Name,
			Description:  desc.Description,
			InputSchema:  desc.InputSchema,
			Source:       models.ToolSource(serverID),
			RiskBaseline: models.LevelBlocking,
		}
		name := desc.Name
		handler := tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return m.CallTool(ctx, serverID, name, input)
		})
		if err := m.registry.Register(def, handler); err != nil {
			m.logger.Warn(ctx, "external tool rejected", "server", serverID, "tool", desc.Name, "error", err)
			continue
		}
		registered++
	}
	return registered, nil
}

// CallTool invokes a named tool on a server.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, input json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	srv, ok := m.servers[serverID]
	var tp transport
	var state State
	if ok {
		tp, state = srv.transport, srv.state
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server %s not registered", serverID)
	}
	if state != StateRunning || tp == nil {
		return nil, fmt.Errorf("server %s is %s", serverID, state)
	}
	return tp.Call(ctx, methodCallTool, callToolParams{Name: tool, Arguments: input}, m.callTimeout(srv))
}

// healthLoop probes the server until stopped. Consecutive probe failures
// past the limit trigger a restart.
func (m *Manager) healthLoop(srv *managedServer, stop chan struct{}) {
	defer m.wg.Done()

	interval := srv.cfg.HealthInterval
	if interval <= 0 {
		interval = m.cfg.HealthCheckInterval
	}
	limit := m.cfg.HealthFailureLimit
	if limit <= 0 {
		limit = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := m.probe(ctx, srv)
		cancel()

		if err == nil {
			if failures > 0 {
				m.logger.Info(context.Background(), "tool server recovered", "server", srv.cfg.ID)
			}
			failures = 0
			m.emit(models.NewEvent(models.EventExternalServerHealth, map[string]any{
				"serverId": srv.cfg.ID,
				"healthy":  true,
			}))
			continue
		}

		failures++
		m.logger.Warn(context.Background(), "health probe failed",
			"server", srv.cfg.ID, "failures", failures, "error", err)
		m.emit(models.NewEvent(models.EventExternalServerHealth, map[string]any{
			"serverId": srv.cfg.ID,
			"healthy":  false,
			"failures": failures,
		}))
		if failures >= limit {
			m.setState(srv, StateUnhealthy)
			m.goRestart(srv.cfg.ID)
			return
		}
	}
}

func (m *Manager) probe(ctx context.Context, srv *managedServer) (json.RawMessage, error) {
	m.mu.Lock()
	tp := srv.transport
	m.mu.Unlock()
	if tp == nil {
		return nil, fmt.Errorf("no transport")
	}
	return tp.Call(ctx, methodPing, nil, 5*time.Second)
}

// onCrash handles a pipe transport whose child exited unexpectedly.
func (m *Manager) onCrash(id string) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok || m.closed || srv.state == StateStopping || srv.state == StateStopped {
		m.mu.Unlock()
		return
	}
	restartable := srv.cfg.RestartOnCrash
	srv.state = StateUnhealthy
	m.mu.Unlock()

	m.logger.Warn(context.Background(), "tool server exited unexpectedly", "server", id)
	m.emit(models.NewEvent(models.EventExternalServerError, map[string]string{
		"serverId": id,
		"error":    "process exited",
	}))
	if restartable {
		m.goRestart(id)
	} else {
		m.retire(id, "crashed")
	}
}

// goRestart runs restart on its own goroutine, tracked by the manager's
// wait group so StopAll does not return while a restart is in flight.
func (m *Manager) goRestart(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		m.restart(id)
	}()
}

// restart tears down the current incarnation and spawns a new one, up to
// the attempt budget. Exhausting the budget retires the server.
func (m *Manager) restart(id string) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	maxAttempts := srv.cfg.MaxRestartAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxRestartAttempts
	}
	srv.restarts++
	attempt := srv.restarts
	exhausted := attempt > maxAttempts
	if !exhausted {
		srv.state = StateRestarting
	}
	stop := srv.healthStop
	srv.healthStop = nil
	tp := srv.transport
	srv.transport = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if tp != nil {
		_ = tp.Close()
	}
	if exhausted {
		m.logger.Error(context.Background(), "restart budget exhausted",
			"server", id, "attempts", attempt-1)
		m.retire(id, "restart budget exhausted")
		return
	}

	if m.metrics != nil {
		m.metrics.ExternalServerRestarts.WithLabelValues(id).Inc()
	}
	m.logger.Info(context.Background(), "restarting tool server",
		"server", id, "attempt", attempt, "max", maxAttempts)

	// Linear backoff between attempts.
	time.Sleep(time.Duration(attempt) * time.Second)

	// A shutdown during the backoff wins: Stop has already torn the server
	// down, so the restart must not bring it back.
	m.mu.Lock()
	aborted := m.closed || srv.state != StateRestarting
	m.mu.Unlock()
	if aborted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.start(ctx, srv); err != nil {
		m.logger.Warn(ctx, "restart failed", "server", id, "error", err)
		m.restart(id)
		return
	}
	m.mu.Lock()
	srv.restarts = 0
	m.mu.Unlock()
}

// retire marks a server stopped and withdraws its tools.
func (m *Manager) retire(id, reason string) {
	m.setStateByID(id, StateStopped)
	m.registry.UnregisterSource(models.ToolSource(id))
	m.emit(models.NewEvent(models.EventExternalServerStopped, map[string]string{
		"serverId": id,
		"reason":   reason,
	}))
}

// Stop shuts one server down cleanly: a best-effort shutdown request, then
// transport teardown and tool withdrawal.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %s not registered", id)
	}
	if srv.state == StateStopped || srv.state == StateStopping {
		m.mu.Unlock()
		return nil
	}
	srv.state = StateStopping
	stop := srv.healthStop
	srv.healthStop = nil
	tp := srv.transport
	srv.transport = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if tp != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, _ = tp.Call(shutdownCtx, methodShutdown, nil, 3*time.Second)
		cancel()
		_ = tp.Close()
	}
	m.retire(id, "requested")
	m.logger.Info(ctx, "tool server stopped", "server", id)
	return nil
}

// StopAll stops every server and waits for the health loops to exit.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id)
	}
	m.wg.Wait()
}

// ServerStatus is the externally visible state of one server.
type ServerStatus struct {
	ID       string        `json:"id"`
	State    State         `json:"state"`
	Restarts int           `json:"restarts"`
	Tools    int           `json:"tools"`
	Kind     TransportKind `json:"transport"`
}

// Status reports one server.
func (m *Manager) Status(id string) (ServerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return ServerStatus{}, fmt.Errorf("server %s not registered", id)
	}
	return m.statusLocked(srv), nil
}

// List reports every registered server.
func (m *Manager) List() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, m.statusLocked(srv))
	}
	return out
}

func (m *Manager) statusLocked(srv *managedServer) ServerStatus {
	return ServerStatus{
		ID:       srv.cfg.ID,
		State:    srv.state,
		Restarts: srv.restarts,
		Tools:    len(m.registry.ListSource(models.ToolSource(srv.cfg.ID))),
		Kind:     srv.cfg.Transport,
	}
}

func (m *Manager) callTimeout(srv *managedServer) time.Duration {
	if srv.cfg.CallTimeout > 0 {
		return srv.cfg.CallTimeout
	}
	return 30 * time.Second
}

func (m *Manager) setState(srv *managedServer, s State) {
	m.mu.Lock()
	srv.state = s
	m.mu.Unlock()
}

func (m *Manager) setStateByID(id string, s State) {
	m.mu.Lock()
	if srv, ok := m.servers[id]; ok {
		srv.state = s
	}
	m.mu.Unlock()
}

func (m *Manager) emit(ev models.Event) {
	if m.emitter != nil {
		m.emitter.Emit(ev)
	}
}
