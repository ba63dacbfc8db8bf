package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelexchange/mxf/internal/auth"
	"github.com/modelexchange/mxf/internal/bus"
	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/dag"
	"github.com/modelexchange/mxf/internal/dispatch"
	"github.com/modelexchange/mxf/internal/extserver"
	"github.com/modelexchange/mxf/internal/memory"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/orpar"
	"github.com/modelexchange/mxf/internal/search"
	"github.com/modelexchange/mxf/internal/sessions"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/internal/storage/sqlite"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/tools/builtin"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

// Server is the composition root: it owns the subsystem graph and the two
// HTTP listeners (websocket transport and metrics).
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	promReg *prometheus.Registry

	core       *bus.Bus
	bus        *bus.ServerBus
	store      storage.Store
	sessions   *sessions.Registry
	tools      *tools.Registry
	extservers *extserver.Manager
	pipeline   *validation.Pipeline
	dispatcher *dispatch.Dispatcher
	dag        *dag.Scheduler
	memory     *memory.Layer

	consolidator *memory.Consolidator
	orpar        *orpar.Coordinator
	verifier     *auth.Verifier

	upgrader      websocket.Upgrader
	httpServer    *http.Server
	metricsServer *http.Server

	bridges []bus.Subscription
}

// New builds the server from configuration. Construction is sequenced so
// every subsystem receives its collaborators fully built; the one cycle
// (server bus needs the session registry for room routing, the registry
// emits on the bus) is closed late via SetRouter.
func New(cfg *config.Config) (*Server, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	core := bus.New(logger, metrics)
	serverBus := bus.NewServer(core, nil)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := sessions.NewRegistry(serverBus, logger, metrics, sessions.Options{
		HeartbeatTimeout: cfg.Heartbeat.Timeout,
		SweepInterval:    cfg.Heartbeat.SweepInterval,
	})
	serverBus.SetRouter(registry)

	toolReg := tools.NewRegistry(serverBus, logger, cfg.Tool.RegistryDebounce)

	embedder := search.NewLocalEmbedder(cfg.Memory.EmbeddingDim)
	index := search.NewMemIndex()
	memoryLayer := memory.NewLayer(cfg.Memory, memory.Deps{
		Store:    store.Memories(),
		Graph:    store.Graph(),
		Index:    index,
		Embedder: embedder,
		Emitter:  serverBus,
		Logger:   logger,
		Metrics:  metrics,
	})
	consolidator := memory.NewConsolidator(cfg.Consolidation, memoryLayer, logger)

	scheduler := dag.NewScheduler(store.Tasks(), serverBus, logger, dag.Options{
		AutoAssign: cfg.DAG.AutoAssign,
	})

	if err := builtin.RegisterAll(toolReg, builtin.Deps{
		Emitter: serverBus,
		Tasks:   scheduler,
		Memory:  memoryLayer,
	}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	pipeline := validation.New(cfg.Validation, cfg.ML, validation.Deps{
		Executions: store.Executions(),
		L2Cache:    store.Verdicts(),
		Emitter:    serverBus,
		Logger:     logger,
		Metrics:    metrics,
	})
	dispatcher := dispatch.New(cfg.Tool, toolReg, registry, pipeline,
		store.Executions(), serverBus, logger, metrics)

	manager := extserver.NewManager(cfg.ExternalServers, toolReg, serverBus, logger, metrics)

	coordinator := orpar.NewCoordinator(serverBus, memoryLayer, logger, orpar.Options{
		SurpriseThreshold: cfg.Memory.SurpriseThreshold,
	})

	s := &Server{
		cfg:          cfg,
		logger:       logger.WithComponent("gateway"),
		metrics:      metrics,
		promReg:      promReg,
		core:         core,
		bus:          serverBus,
		store:        store,
		sessions:     registry,
		tools:        toolReg,
		extservers:   manager,
		pipeline:     pipeline,
		dispatcher:   dispatcher,
		dag:          scheduler,
		memory:       memoryLayer,
		consolidator: consolidator,
		orpar:        coordinator,
		verifier:     auth.NewVerifier(cfg.Auth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.bridge()
	return s, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemStore(), nil
	}
	return sqlite.Open(cfg.Path)
}

// bridge wires cross-subsystem event reactions: terminal task outcomes
// feed reward attribution.
func (s *Server) bridge() {
	attribute := func(reward float64) bus.Handler {
		return func(ev models.Event) {
			var task models.Task
			if err := ev.DecodeData(&task); err != nil || task.ID == "" {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.orpar.AttributeOnReflect(ctx, task.ID, reward)
		}
	}
	s.bridges = append(s.bridges,
		s.core.Subscribe(models.EventTaskCompleted, attribute(1)),
		s.core.Subscribe(models.EventTaskFailed, attribute(-1)),
	)
}

// Start brings the server up: background loops, external tool servers,
// then the listeners. It returns once both listeners are accepting.
func (s *Server) Start(ctx context.Context) error {
	s.sessions.StartSweeper()
	s.memory.Start()
	if err := s.consolidator.Start(); err != nil {
		return fmt.Errorf("start consolidation: %w", err)
	}

	for _, def := range s.cfg.ExternalServers.Servers {
		if err := s.extservers.Register(ctx, serverConfigFromDefinition(def)); err != nil {
			// A broken external server must not keep the substrate down.
			s.logger.Error(ctx, "external server registration failed",
				"server", def.ID, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "transport listener failed", "error", err)
		}
	}()
	s.logger.Info(ctx, "transport listening", "addr", addr)

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort)
		metricsLn, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", metricsAddr, err)
		}
		s.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error(context.Background(), "metrics listener failed", "error", err)
			}
		}()
		s.logger.Info(ctx, "metrics listening", "addr", metricsAddr)
	}
	return nil
}

// Shutdown drains the server: announce, stop intake, stop background
// loops, flush deferred work, then assert no subscriptions leaked.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down")
	s.bus.Emit(models.NewEvent(models.EventSystemShutdown, map[string]string{
		"reason": "server stopping",
	}))

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}

	for _, session := range s.sessions.List() {
		s.sessions.Disconnect(session.ID)
	}
	s.sessions.StopSweeper()

	s.extservers.StopAll(ctx)
	s.consolidator.Stop()
	s.memory.Stop()
	s.tools.Close()

	for _, sub := range s.bridges {
		s.core.Unsubscribe(sub)
	}
	if leaked := s.core.SubscriptionCount(); leaked > 0 {
		s.logger.Error(ctx, "subscriptions leaked at shutdown", "count", leaked)
	}
	s.core.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	s.logger.Info(ctx, "shutdown complete")
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	newWSSession(s, conn).run()
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Count())
}

func serverConfigFromDefinition(def config.ExternalServerDefinition) extserver.ServerConfig {
	transport := extserver.TransportKind(def.Transport)
	if transport == "" {
		transport = extserver.TransportPipe
	}
	return extserver.ServerConfig{
		ID:             def.ID,
		Transport:      transport,
		Command:        def.Command,
		Args:           def.Args,
		Env:            def.Env,
		WorkDir:        def.WorkDir,
		URL:            def.URL,
		Headers:        def.Headers,
		AutoStart:      def.AutoStart,
		RestartOnCrash: def.RestartOnCrash,
	}
}
