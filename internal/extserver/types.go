// Package extserver manages external tool-server child processes: spawn,
// health, restart, and call routing over newline-framed JSON-RPC.
package extserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind selects how the server is reached.
type TransportKind string

const (
	// TransportPipe speaks JSON-RPC over the child's stdin/stdout.
	TransportPipe TransportKind = "pipe"
	// TransportHTTP posts JSON-RPC to a URL.
	TransportHTTP TransportKind = "http"
)

// State is the lifecycle state of one external server.
type State string

const (
	StateRegistered State = "registered"
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Pipe transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options.
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	AutoStart      bool `yaml:"auto_start" json:"auto_start,omitempty"`
	RestartOnCrash bool `yaml:"restart_on_crash" json:"restart_on_crash,omitempty"`

	// Zero values fall back to the manager-wide configuration.
	MaxRestartAttempts int           `yaml:"max_restart_attempts" json:"max_restart_attempts,omitempty"`
	HealthInterval     time.Duration `yaml:"health_interval" json:"health_interval,omitempty"`
	StartupTimeout     time.Duration `yaml:"startup_timeout" json:"startup_timeout,omitempty"`
	CallTimeout        time.Duration `yaml:"call_timeout" json:"call_timeout,omitempty"`
}

// Validate checks the configuration for structural and security issues.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	switch c.Transport {
	case TransportPipe:
		if c.Command == "" {
			return fmt.Errorf("command is required for pipe transport")
		}
		if err := validatePath(c.Command, "command"); err != nil {
			return err
		}
		if c.WorkDir != "" {
			if err := validatePath(c.WorkDir, "workdir"); err != nil {
				return err
			}
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("arg[%d] contains shell metacharacters: %q", i, arg)
			}
		}
	case TransportHTTP:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("url must start with http:// or https://")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

func validatePath(path, field string) error {
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", field, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ToolDescriptor is a tool advertised by an external server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// JSON-RPC 2.0 framing.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Protocol methods the server side must implement.
const (
	methodPing      = "ping"
	methodListTools = "tools/list"
	methodCallTool  = "tools/call"
	methodShutdown  = "shutdown"
)

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
