// Package dispatch routes tool-call requests through authorization,
// validation, and execution, and emits exactly one terminal event per
// request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/retry"
	"github.com/modelexchange/mxf/internal/sessions"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

// Emitter is the bus slice the dispatcher needs.
type Emitter interface {
	Emit(ev models.Event)
}

// Dispatcher executes tool calls on behalf of sessions. The order is fixed:
// allow-list, validation verdict, execution with timeout and retry, outcome
// recording. Every request ends in exactly one terminal event, a result or
// a structured error.
type Dispatcher struct {
	cfg      config.ToolConfig
	sessions *sessions.Registry
	registry *tools.Registry
	pipeline *validation.Pipeline

	executions storage.ExecutionStore
	emitter    Emitter
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a dispatcher.
func New(cfg config.ToolConfig, reg *tools.Registry, sess *sessions.Registry, pipeline *validation.Pipeline, executions storage.ExecutionStore, emitter Emitter, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Dispatcher{
		cfg:        cfg,
		sessions:   sess,
		registry:   reg,
		pipeline:   pipeline,
		executions: executions,
		emitter:    emitter,
		logger:     logger.WithComponent("dispatch"),
		metrics:    metrics,
		inflight:   make(map[string]struct{}),
	}
}

// Dispatch runs one tool-call request for a session. The returned error, if
// any, is always a *models.StructuredError; a terminal event mirroring the
// outcome is emitted on the bus either way.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req models.ToolCallRequest) (json.RawMessage, error) {
	start := time.Now()

	if !d.begin(req.RequestID) {
		// The original in-flight call owns the terminal event.
		return nil, models.NewError(models.ErrKindInput, models.CodeDuplicate,
			models.SeverityMedium, "request id already in flight").WithRequest(req.RequestID)
	}
	defer d.end(req.RequestID)

	session, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, d.fail(req, models.NewError(models.ErrKindAuthorization,
			models.CodeUnknownSession, models.SeverityHigh, "session not registered"))
	}
	if !session.AllowsTool(req.Tool) {
		return nil, d.fail(req, models.NewError(models.ErrKindAuthorization,
			models.CodeToolNotAllowed, models.SeverityHigh,
			fmt.Sprintf("tool %q not in session allow-list", req.Tool)))
	}

	def, handler, err := d.registry.Resolve(req.Tool)
	if err != nil {
		return nil, d.fail(req, models.NewError(models.ErrKindInput,
			models.CodeUnknownTool, models.SeverityHigh,
			fmt.Sprintf("unknown tool %q", req.Tool)))
	}

	verdict := d.pipeline.Validate(ctx, req, def)
	if verdict.Level != models.LevelAsync && !verdict.Valid {
		d.record(ctx, req, verdict, start, false, false, nil, models.CodeValidationFailed, summarize(verdict))
		d.pipeline.RecordOutcome(ctx, req, def, false)
		return nil, d.fail(req, validationError(verdict))
	}
	input := req.Input
	if verdict.CorrectedInput != nil {
		input = verdict.CorrectedInput
	}

	// Execution derives from the session context so a disconnect cancels
	// in-flight calls.
	execCtx := ctx
	if sctx, ok := d.sessions.Context(sessionID); ok {
		execCtx = joinContexts(ctx, sctx)
	}
	timeout := d.cfg.CallDefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	output, result := retry.DoWithValue(execCtx, retry.ExecutionPolicy(), func() (json.RawMessage, error) {
		callCtx, cancel := context.WithTimeout(execCtx, timeout)
		defer cancel()
		out, err := handler.Invoke(callCtx, input)
		if err != nil {
			serr := classify(err, def, req.RequestID)
			if !models.Retryable(serr.Code) {
				return nil, retry.Permanent(serr)
			}
			return nil, serr
		}
		return out, nil
	})

	success := result.Err == nil
	corrected := verdict.CorrectedInput != nil
	var serr *models.StructuredError
	if !success {
		serr = classify(result.Err, def, req.RequestID)
	}

	errCode, errMsg := "", ""
	if serr != nil {
		errCode, errMsg = serr.Code, serr.Message
	}
	d.record(ctx, models.ToolCallRequest{
		RequestID: req.RequestID,
		Tool:      req.Tool,
		Input:     input,
		AgentID:   req.AgentID,
		ChannelID: req.ChannelID,
	}, verdict, start, success, corrected, output, errCode, errMsg)
	d.pipeline.RecordOutcome(ctx, req, def, success)

	if d.metrics != nil {
		status := "success"
		if !success {
			status = "error"
		}
		d.metrics.ToolCalls.WithLabelValues(req.Tool, status).Inc()
		d.metrics.ToolCallDuration.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())
	}

	if !success {
		return nil, d.fail(req, serr)
	}
	d.emit(models.NewEvent(models.EventToolResult, map[string]any{
		"tool":      req.Tool,
		"output":    output,
		"elapsedMs": time.Since(start).Milliseconds(),
		"attempts":  result.Attempts,
		"corrected": corrected,
	}).WithAgent(req.AgentID).WithChannel(req.ChannelID).WithRequestID(req.RequestID))
	return output, nil
}

// begin registers a request id, refusing duplicates.
func (d *Dispatcher) begin(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[requestID]; ok {
		return false
	}
	d.inflight[requestID] = struct{}{}
	return true
}

func (d *Dispatcher) end(requestID string) {
	d.mu.Lock()
	delete(d.inflight, requestID)
	d.mu.Unlock()
}

// fail emits the terminal error event and returns the error.
func (d *Dispatcher) fail(req models.ToolCallRequest, serr *models.StructuredError) error {
	serr = serr.WithRequest(req.RequestID)
	d.emit(models.NewEvent(models.EventToolError, serr).
		WithAgent(req.AgentID).WithChannel(req.ChannelID).WithRequestID(req.RequestID))
	return serr
}

// record appends the execution record and emits the observability event.
// The execution event is emitted for every attempt outcome, terminal events
// separately; it always carries the pre-execution verdict, cached or not.
func (d *Dispatcher) record(ctx context.Context, req models.ToolCallRequest, verdict *models.Verdict, start time.Time, success, corrected bool, output json.RawMessage, errCode, errMsg string) {
	rec := models.ExecutionRecord{
		Tool:      req.Tool,
		Input:     req.Input,
		AgentID:   req.AgentID,
		ChannelID: req.ChannelID,
		Timestamp: start,
		Success:   success,
		ElapsedMs: time.Since(start).Milliseconds(),
		Output:    output,
		ErrorCode: errCode,
		ErrorMsg:  errMsg,
		Corrected: corrected,
	}
	if d.executions != nil {
		if err := d.executions.Append(ctx, &rec); err != nil {
			d.logger.Warn(ctx, "execution record write failed", "tool", req.Tool, "error", err)
		}
	}
	payload := map[string]any{
		"tool":      req.Tool,
		"success":   success,
		"elapsedMs": rec.ElapsedMs,
		"errorCode": errCode,
	}
	if verdict != nil {
		payload["verdict"] = map[string]any{
			"valid":     verdict.Valid,
			"level":     verdict.Level,
			"riskScore": verdict.Risk.Probability,
			"cached":    verdict.Cached,
		}
	}
	d.emit(models.NewEvent(models.EventToolExecution, payload).
		WithAgent(req.AgentID).WithChannel(req.ChannelID).WithRequestID(req.RequestID))
}

func (d *Dispatcher) emit(ev models.Event) {
	if d.emitter != nil {
		d.emitter.Emit(ev)
	}
}

// classify maps an execution error to the closed error-code set. Raw error
// strings never reach clients except inside the structured message.
func classify(err error, def models.ToolDefinition, requestID string) *models.StructuredError {
	var serr *models.StructuredError
	if errors.As(err, &serr) {
		return serr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewError(models.ErrKindExecution, models.CodeTimeout,
			models.SeverityMedium, "tool call timed out").WithRequest(requestID)
	case errors.Is(err, context.Canceled):
		return models.NewError(models.ErrKindExecution, models.CodeCancelled,
			models.SeverityLow, "tool call cancelled").WithRequest(requestID)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "rate limit") {
		return models.NewError(models.ErrKindExecution, models.CodeRateLimited,
			models.SeverityMedium, msg).WithRequest(requestID)
	}
	if def.Source != models.SourceInternal {
		return models.NewError(models.ErrKindExternalServer, models.CodeExternalServer,
			models.SeverityMedium, msg).WithRequest(requestID)
	}
	return models.NewError(models.ErrKindExecution, models.CodeInternalError,
		models.SeverityMedium, msg).WithRequest(requestID)
}

// validationError folds a failed verdict into one structured error.
func validationError(verdict *models.Verdict) *models.StructuredError {
	return models.NewError(models.ErrKindValidation, models.CodeValidationFailed,
		models.SeverityHigh, summarize(verdict))
}

func summarize(verdict *models.Verdict) string {
	if high := verdict.HighSeverityErrors(); len(high) > 0 {
		msgs := make([]string, 0, len(high))
		for _, f := range high {
			msgs = append(msgs, f.Message)
		}
		return strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("risk probability %.2f exceeds the block threshold", verdict.Risk.Probability)
}

// joinContexts derives a context cancelled when either parent is. Values
// come from the request context only.
func joinContexts(req, session context.Context) context.Context {
	ctx, cancel := context.WithCancel(req)
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
