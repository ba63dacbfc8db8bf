package models

import "fmt"

// Severity classifies how serious a validation finding or error is.
// It also dictates client retry guidance: low is advisory, medium suggests
// adjusting input, high means do not retry without changing the input.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ErrorKind is the closed set of error categories surfaced to clients.
type ErrorKind string

const (
	ErrKindInput          ErrorKind = "input"
	ErrKindAuthorization  ErrorKind = "authorization"
	ErrKindValidation     ErrorKind = "validation"
	ErrKindExecution      ErrorKind = "execution"
	ErrKindExternalServer ErrorKind = "external_server"
	ErrKindStorage        ErrorKind = "storage"
	ErrKindConsistency    ErrorKind = "consistency"
	ErrKindFatal          ErrorKind = "fatal"
)

// Error codes used in structured error payloads.
const (
	CodeSchemaMismatch    = "SCHEMA_MISMATCH"
	CodeUnknownTool       = "UNKNOWN_TOOL"
	CodeMissingParameters = "MISSING_PARAMETERS"
	CodeUnknownSession    = "UNKNOWN_SESSION"
	CodeToolNotAllowed    = "TOOL_NOT_ALLOWED"
	CodeNotInChannel      = "NOT_IN_CHANNEL"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeTimeout           = "TIMEOUT"
	CodeCancelled         = "cancelled"
	CodeRateLimited       = "RATE_LIMITED"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeNetworkError      = "NETWORK_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeExternalServer    = "EXTERNAL_SERVER_ERROR"
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeDuplicate         = "DUPLICATE_REGISTRATION"
	CodeStorageWrite      = "STORAGE_WRITE_FAILED"
)

// StructuredError is the error payload clients receive. Raw Go error strings
// never cross the transport.
type StructuredError struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// NewError builds a structured error.
func NewError(kind ErrorKind, code string, severity Severity, msg string) *StructuredError {
	return &StructuredError{Kind: kind, Code: code, Severity: severity, Message: msg}
}

// WithRequest attaches a request id to the error.
func (e *StructuredError) WithRequest(requestID string) *StructuredError {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// Retryable reports whether the execution-error retry policy applies: only
// timeouts and provider rate limits are retried with backoff.
func Retryable(code string) bool {
	return code == CodeTimeout || code == CodeRateLimited
}
