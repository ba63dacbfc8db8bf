package models

import (
	"encoding/json"
	"time"
)

// ToolSource tags where a tool's handler lives. Internal tools run
// in-process; any other value is the id of an external tool server.
type ToolSource string

// SourceInternal marks tools handled in-process.
const SourceInternal ToolSource = "internal"

// ValidationLevel selects how much pre-execution scrutiny a call receives.
type ValidationLevel string

const (
	// LevelAsync validates without blocking the call.
	LevelAsync ValidationLevel = "async"
	// LevelBlocking validates before execution and blocks invalid calls.
	LevelBlocking ValidationLevel = "blocking"
	// LevelStrict is blocking plus an additional security re-check.
	LevelStrict ValidationLevel = "strict"
)

// ToolDefinition describes a named, schema-described capability.
type ToolDefinition struct {
	// Name is unique across the unified registry.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// InputSchema is a JSON-Schema document describing the input object.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Examples are optional sample inputs.
	Examples []json.RawMessage `json:"examples,omitempty"`

	// Source is "internal" or an external server id.
	Source ToolSource `json:"source"`

	// RiskBaseline is the default validation level for this tool.
	RiskBaseline ValidationLevel `json:"risk_baseline,omitempty"`

	// TouchesFilesystem and TouchesNetwork gate the security stage.
	TouchesFilesystem bool `json:"touches_filesystem,omitempty"`
	TouchesNetwork    bool `json:"touches_network,omitempty"`
}

// ToolCallRequest is one request to invoke a tool.
type ToolCallRequest struct {
	// RequestID is unique per call; exactly one terminal event
	// (mcp:tool:result or mcp:tool:error) is emitted for it.
	RequestID string `json:"request_id"`

	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	AgentID   string          `json:"agent_id"`
	ChannelID string          `json:"channel_id,omitempty"`

	// TimeoutMs overrides the configured default call timeout.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// ExecutionRecord captures the outcome of one tool call for pattern
// learning and analytics.
type ExecutionRecord struct {
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	AgentID    string          `json:"agent_id"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Success    bool            `json:"success"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	Corrected  bool            `json:"corrected,omitempty"`
}

// FindingKind categorizes a validation finding.
type FindingKind string

const (
	FindingSchema      FindingKind = "schema"
	FindingSecurity    FindingKind = "security"
	FindingBusiness    FindingKind = "business"
	FindingPerformance FindingKind = "performance"
	FindingPattern     FindingKind = "pattern"
)

// Finding is one error, warning, or suggestion in a verdict.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Fix      string      `json:"fix,omitempty"`
}

// RiskAssessment is the risk-scoring stage output.
type RiskAssessment struct {
	Probability float64  `json:"probability"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Verdict is the validation pipeline output for one tool-call request.
// It is produced before any side effect of the tool runs.
type Verdict struct {
	Valid       bool            `json:"valid"`
	Errors      []Finding       `json:"errors,omitempty"`
	Warnings    []Finding       `json:"warnings,omitempty"`
	Suggestions []Finding       `json:"suggestions,omitempty"`
	Confidence  float64         `json:"confidence"`
	Risk        RiskAssessment  `json:"risk"`
	Level       ValidationLevel `json:"level"`

	// CorrectedInput is set when auto-correction rewrote the input.
	CorrectedInput json.RawMessage `json:"corrected_input,omitempty"`

	Cached    bool  `json:"cached"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// HighSeverityErrors returns the high-severity errors in the verdict.
func (v *Verdict) HighSeverityErrors() []Finding {
	var out []Finding
	for _, f := range v.Errors {
		if f.Severity == SeverityHigh {
			out = append(out, f)
		}
	}
	return out
}
