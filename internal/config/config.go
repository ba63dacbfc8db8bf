// Package config loads and validates the MXF server configuration.
package config

import (
	"fmt"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// Config is the main configuration structure for the MXF server.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Auth            AuthConfig            `yaml:"auth"`
	Heartbeat       HeartbeatConfig       `yaml:"heartbeat"`
	Validation      ValidationConfig      `yaml:"validation"`
	ML              MLConfig              `yaml:"ml"`
	Tool            ToolConfig            `yaml:"tool"`
	ExternalServers ExternalServersConfig `yaml:"external_servers"`
	DAG             DAGConfig             `yaml:"dag"`
	Memory          MemoryConfig          `yaml:"memory"`
	Consolidation   ConsolidationConfig   `yaml:"consolidation"`
	Storage         StorageConfig         `yaml:"storage"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// ServerConfig configures the transport listener.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`

	// OutboundQueueSize bounds the per-session send queue. When full,
	// non-essential events are dropped; essential events block briefly and
	// sustained pressure disconnects the session.
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// EssentialSendTimeout is how long an essential event may block the
	// producer before the session is considered stalled.
	EssentialSendTimeout time.Duration `yaml:"essential_send_timeout"`
}

// AuthConfig configures connect credential verification.
type AuthConfig struct {
	// DomainKey is the shared domain key clients must present.
	DomainKey string `yaml:"domain_key"`

	// JWTSecret verifies user tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// APIKeys maps key-id to secret-key for the key-pair auth path.
	APIKeys map[string]string `yaml:"api_keys"`
}

// HeartbeatConfig controls session liveness.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Timeout defaults to 5x Interval when unset.
	Timeout time.Duration `yaml:"timeout"`
	// SweepInterval is how often dead sessions are reaped.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ValidationConfig controls the pre-execution pipeline.
type ValidationConfig struct {
	DefaultLevel          models.ValidationLevel `yaml:"default_level"`
	AutoCorrectionEnabled bool                   `yaml:"auto_correction_enabled"`
	CacheTTL              time.Duration          `yaml:"cache_ttl"`
	CacheMaxEntries       int                    `yaml:"cache_max_entries"`

	// StrictBlockThreshold is the risk probability above which a verdict
	// is invalid regardless of findings.
	StrictBlockThreshold float64 `yaml:"strict_block_threshold"`

	// HardCap bails the pipeline with a risk-only verdict.
	HardCap time.Duration `yaml:"hard_cap"`

	// AllowedPaths and AllowedProtocols feed the security stage.
	AllowedPaths     []string `yaml:"allowed_paths"`
	AllowedProtocols []string `yaml:"allowed_protocols"`
}

// MLConfig gates the ML predictor and anomaly detector.
type MLConfig struct {
	Enabled bool `yaml:"enabled"`
	// AnomalyThreshold flags reconstruction errors above this value.
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
}

// ToolConfig controls dispatch.
type ToolConfig struct {
	CallDefaultTimeout time.Duration `yaml:"call_default_timeout"`
	// RegistryDebounce coalesces registry-changed events.
	RegistryDebounce time.Duration `yaml:"registry_debounce"`
}

// ExternalServersConfig controls the external tool-server manager.
type ExternalServersConfig struct {
	StartupTimeout      time.Duration `yaml:"startup_timeout"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// HealthFailureLimit is consecutive probe failures before restart.
	HealthFailureLimit int `yaml:"health_failure_limit"`

	// Servers are registered at startup.
	Servers []ExternalServerDefinition `yaml:"servers"`
}

// ExternalServerDefinition describes one external tool server in the
// configuration file.
type ExternalServerDefinition struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // pipe | http

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	AutoStart      bool `yaml:"auto_start"`
	RestartOnCrash bool `yaml:"restart_on_crash"`
}

// DAGConfig controls the task scheduler.
type DAGConfig struct {
	AutoAssign bool `yaml:"auto_assign"`
}

// MemoryConfig controls the memory layer and utility learning.
type MemoryConfig struct {
	// HybridRatio is the semantic share of candidate scoring (ρ); the
	// keyword share is 1−ρ.
	HybridRatio float64 `yaml:"hybrid_ratio"`

	// Lambda maps ORPAR phase to the utility blend weight λ.
	Lambda map[models.Phase]float64 `yaml:"lambda"`

	// LearningRate is the TD update α.
	LearningRate float64 `yaml:"learning_rate"`

	// QMin and QMax bound Q-values.
	QMin float64 `yaml:"q_min"`
	QMax float64 `yaml:"q_max"`

	// PhaseWeights scale rewards by the phase a memory was used in.
	PhaseWeights map[models.Phase]float64 `yaml:"phase_weights"`

	// EmbeddingDim is the fixed embedding dimensionality.
	EmbeddingDim int `yaml:"embedding_dim"`

	// RetrievalTimeout is the hard cap on retrieval.
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout"`

	// TopK is the candidate count for hybrid search.
	TopK int `yaml:"top_k"`

	// SurpriseThreshold triggers an additional-observation injection.
	SurpriseThreshold float64 `yaml:"surprise_threshold"`
}

// ConsolidationConfig controls stratum promotion and archival.
type ConsolidationConfig struct {
	// Schedule is a cron expression for the periodic job; empty disables
	// the periodic trigger. Reflection-driven runs are independent.
	Schedule string `yaml:"schedule"`

	// OnReflect also runs consolidation on orpar:reflect events.
	OnReflect bool `yaml:"on_reflect"`

	// PromoteQThreshold and PromoteMinUsage gate episodic → semantic.
	PromoteQThreshold float64 `yaml:"promote_q_threshold"`
	PromoteMinUsage   int     `yaml:"promote_min_usage"`

	// DemoteQThreshold demotes low-utility semantic records.
	DemoteQThreshold float64 `yaml:"demote_q_threshold"`

	// ArchiveAfter archives records not accessed for this long.
	ArchiveAfter time.Duration `yaml:"archive_after"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8787,
			MetricsPort:          9090,
			OutboundQueueSize:    256,
			EssentialSendTimeout: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Validation: ValidationConfig{
			DefaultLevel:          models.LevelBlocking,
			AutoCorrectionEnabled: true,
			CacheTTL:              5 * time.Minute,
			CacheMaxEntries:       10000,
			StrictBlockThreshold:  0.9,
			HardCap:               time.Second,
			AllowedProtocols:      []string{"https"},
		},
		ML: MLConfig{
			Enabled:          false,
			AnomalyThreshold: 0.35,
		},
		Tool: ToolConfig{
			CallDefaultTimeout: 30 * time.Second,
			RegistryDebounce:   50 * time.Millisecond,
		},
		ExternalServers: ExternalServersConfig{
			StartupTimeout:      10 * time.Second,
			MaxRestartAttempts:  3,
			HealthCheckInterval: 15 * time.Second,
			HealthFailureLimit:  3,
		},
		Memory: MemoryConfig{
			HybridRatio:  0.7,
			LearningRate: 0.1,
			QMin:         -10,
			QMax:         10,
			Lambda: map[models.Phase]float64{
				models.PhaseObserve: 0.2,
				models.PhaseReason:  0.4,
				models.PhasePlan:    0.6,
				models.PhaseAct:     0.7,
				models.PhaseReflect: 0.5,
			},
			PhaseWeights: map[models.Phase]float64{
				models.PhaseObserve: 0.3,
				models.PhaseReason:  0.8,
				models.PhasePlan:    0.9,
				models.PhaseAct:     1.0,
				models.PhaseReflect: 0.5,
			},
			EmbeddingDim:      256,
			RetrievalTimeout:  2 * time.Second,
			TopK:              20,
			SurpriseThreshold: 0.8,
		},
		Consolidation: ConsolidationConfig{
			Schedule:          "@every 10m",
			OnReflect:         true,
			PromoteQThreshold: 2.0,
			PromoteMinUsage:   3,
			DemoteQThreshold:  -2.0,
			ArchiveAfter:      30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "mxf.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = 5 * c.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout %v shorter than interval %v", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	switch c.Validation.DefaultLevel {
	case models.LevelAsync, models.LevelBlocking, models.LevelStrict:
	default:
		return fmt.Errorf("validation.default_level invalid: %q", c.Validation.DefaultLevel)
	}
	if c.Validation.StrictBlockThreshold <= 0 || c.Validation.StrictBlockThreshold > 1 {
		return fmt.Errorf("validation.strict_block_threshold must be in (0,1]")
	}
	if c.Memory.HybridRatio < 0 || c.Memory.HybridRatio > 1 {
		return fmt.Errorf("memory.hybrid_ratio must be in [0,1]")
	}
	if c.Memory.QMin >= c.Memory.QMax {
		return fmt.Errorf("memory.q_min must be below q_max")
	}
	if c.Memory.LearningRate <= 0 || c.Memory.LearningRate > 1 {
		return fmt.Errorf("memory.learning_rate must be in (0,1]")
	}
	for phase, l := range c.Memory.Lambda {
		if !models.ValidPhase(phase) {
			return fmt.Errorf("memory.lambda: unknown phase %q", phase)
		}
		if l < 0 || l > 1 {
			return fmt.Errorf("memory.lambda[%s] must be in [0,1]", phase)
		}
	}
	if c.Memory.EmbeddingDim <= 0 {
		return fmt.Errorf("memory.embedding_dim must be positive")
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be sqlite or memory, got %q", c.Storage.Backend)
	}
	return nil
}
