// Package validation implements the proactive pre-execution pipeline: cache
// probe, schema check, security check, pattern consultation, risk scoring,
// auto-correction, and ML-assisted error prediction with a deterministic
// heuristic fallback. The verdict is produced before any side effect of the
// tool runs.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// Emitter is the bus slice the pipeline needs for observability events.
type Emitter interface {
	Emit(ev models.Event)
}

// Pipeline is the validation pipeline. Construct with New; safe for
// concurrent use.
type Pipeline struct {
	cfg config.ValidationConfig

	l1       *verdictLRU
	l2       storage.VerdictCache
	schema   *schemaChecker
	security *securityChecker
	patterns *patternLearner

	mlEnabled        bool
	anomalyThreshold float64
	model            *OnlineModel
	heuristic        Heuristic

	emitter Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	inflight atomic.Int64
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Executions storage.ExecutionStore
	L2Cache    storage.VerdictCache
	Emitter    Emitter
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// New creates a pipeline from configuration.
func New(cfg config.ValidationConfig, ml config.MLConfig, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	p := &Pipeline{
		cfg:              cfg,
		l1:               newVerdictLRU(cfg.CacheMaxEntries, cfg.CacheTTL),
		l2:               deps.L2Cache,
		schema:           newSchemaChecker(),
		security:         newSecurityChecker(cfg.AllowedPaths, cfg.AllowedProtocols),
		patterns:         newPatternLearner(deps.Executions),
		mlEnabled:        ml.Enabled,
		anomalyThreshold: ml.AnomalyThreshold,
		emitter:          deps.Emitter,
		logger:           logger.WithComponent("validation"),
		metrics:          deps.Metrics,
	}
	if p.anomalyThreshold <= 0 {
		p.anomalyThreshold = 0.35
	}
	if ml.Enabled {
		p.model = NewOnlineModel(0)
	}
	return p
}

// Validate produces the verdict for one tool-call request. It never returns
// an error: pipeline failures degrade to a risk-only verdict.
func (p *Pipeline) Validate(ctx context.Context, req models.ToolCallRequest, def models.ToolDefinition) *models.Verdict {
	start := time.Now()
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	level := def.RiskBaseline
	if level == "" {
		level = p.cfg.DefaultLevel
	}

	// Stage 1: cache probe. Hits skip every remaining stage.
	fp := Fingerprint(req.Tool, req.Input, req.AgentID, level)
	if verdict, ok := p.l1.get(fp); ok {
		return p.finishCached(verdict, start)
	}
	if p.l2 != nil {
		if verdict, ok, err := p.l2.Get(ctx, fp); err == nil && ok {
			p.l1.put(fp, verdict)
			return p.finishCached(verdict, start)
		}
	}

	hardCap := p.cfg.HardCap
	if hardCap <= 0 {
		hardCap = time.Second
	}
	deadline := start.Add(hardCap)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	verdict := p.validateCold(ctx, req, def, level, deadline)
	verdict.ElapsedMs = time.Since(start).Milliseconds()

	p.l1.put(fp, verdict)
	if p.l2 != nil {
		if err := p.l2.Put(ctx, fp, verdict, p.cfg.CacheTTL); err != nil {
			p.logger.Warn(ctx, "L2 verdict write failed", "error", err)
		}
	}
	p.record(verdict, req, false)
	return verdict
}

func (p *Pipeline) validateCold(ctx context.Context, req models.ToolCallRequest, def models.ToolDefinition, level models.ValidationLevel, deadline time.Time) *models.Verdict {
	verdict := &models.Verdict{Level: level, Confidence: 1}
	input := req.Input

	// Stage 2: schema.
	verdict.Errors = append(verdict.Errors, p.schema.check(def, input)...)
	if p.pastDeadline(deadline) {
		return p.riskOnly(ctx, req, def, verdict)
	}

	// Stage 3: security.
	verdict.Errors = append(verdict.Errors, p.security.check(def, input)...)
	if p.pastDeadline(deadline) {
		return p.riskOnly(ctx, req, def, verdict)
	}

	// Stage 4: business/pattern.
	stats, err := p.patterns.stats(ctx, req.Tool, req.AgentID, input)
	if err != nil {
		p.logger.Warn(ctx, "pattern stage unavailable", "tool", req.Tool, "error", err)
	} else if f := p.patterns.finding(stats); f != nil {
		verdict.Warnings = append(verdict.Warnings, *f)
	}

	// Stage 5: risk score chooses the governing level.
	verdict.Risk = scoreRisk(def, stats)
	verdict.Level = levelFor(verdict.Risk.Probability)
	if verdict.Level == models.LevelStrict {
		// Strict re-runs the security stage against the final input.
		for _, f := range p.security.check(def, input) {
			if !hasFinding(verdict.Errors, f) {
				verdict.Errors = append(verdict.Errors, f)
			}
		}
	}

	// Stage 6: auto-correction, bounded to one schema re-validation.
	if p.cfg.AutoCorrectionEnabled && len(verdict.HighSeverityErrors()) == 0 {
		corrected, applied := autoCorrect(def, input)
		if len(applied) > 0 {
			if residual := p.schema.check(def, corrected); len(residual) == 0 {
				input = corrected
				verdict.CorrectedInput = corrected
				verdict.Suggestions = append(verdict.Suggestions, applied...)
				verdict.Errors = dropKind(verdict.Errors, models.FindingSchema)
			}
		}
	}

	// Stage 7: ML prediction and anomaly detection.
	p.predict(ctx, verdict, req, def, stats)

	verdict.Valid = p.classifyValid(verdict)
	verdict.Confidence = confidence(verdict)
	return verdict
}

// pastDeadline reports whether the hard cap has been reached.
func (p *Pipeline) pastDeadline(deadline time.Time) bool {
	return time.Now().After(deadline)
}

// riskOnly is the hard-cap escape: only the risk score is computed.
func (p *Pipeline) riskOnly(ctx context.Context, req models.ToolCallRequest, def models.ToolDefinition, verdict *models.Verdict) *models.Verdict {
	stats, _ := p.patterns.stats(ctx, req.Tool, req.AgentID, req.Input)
	verdict.Risk = scoreRisk(def, stats)
	verdict.Level = levelFor(verdict.Risk.Probability)
	verdict.Valid = p.classifyValid(verdict)
	verdict.Confidence = 0.5
	verdict.Warnings = append(verdict.Warnings, models.Finding{
		Kind:     models.FindingPerformance,
		Severity: models.SeverityLow,
		Message:  "validation hard cap reached; verdict is risk-score only",
	})
	return verdict
}

func (p *Pipeline) predict(ctx context.Context, verdict *models.Verdict, req models.ToolCallRequest, def models.ToolDefinition, stats patternStats) {
	features := p.features(req, def, stats)

	var predictor Predictor
	fallback := false
	if p.mlEnabled && p.model != nil && p.model.Trained() {
		predictor = p.model
	} else {
		predictor = p.heuristic
		fallback = true
	}

	probability, conf := predictor.Predict(features)
	anomaly := ReconstructionError(features, predictor.Reconstruct(features))

	if fallback {
		if p.metrics != nil {
			p.metrics.InferenceFallbacks.Inc()
		}
		if p.emitter != nil {
			p.emitter.Emit(models.NewEvent(models.EventInferenceFallback, map[string]any{
				"tool":   req.Tool,
				"reason": fallbackReason(p.mlEnabled),
			}).WithAgent(req.AgentID).WithRequestID(req.RequestID))
		}
	}

	if probability >= 0.7 {
		verdict.Warnings = append(verdict.Warnings, models.Finding{
			Kind:     models.FindingPerformance,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("predicted error probability %.2f (confidence %.2f)", probability, conf),
		})
	}
	if anomaly > p.anomalyThreshold {
		verdict.Warnings = append(verdict.Warnings, models.Finding{
			Kind:     models.FindingPattern,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("anomalous call profile: reconstruction error %.2f", anomaly),
		})
	}
}

func fallbackReason(mlEnabled bool) string {
	if !mlEnabled {
		return "ml_disabled"
	}
	return "model_untrained"
}

// features builds the 12-feature vector, each component normalised to
// roughly [0,1].
func (p *Pipeline) features(req models.ToolCallRequest, def models.ToolDefinition, stats patternStats) FeatureVector {
	now := time.Now()
	var paramCount int
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(req.Input, &obj); err == nil {
		paramCount = len(obj)
	}
	var f FeatureVector
	f[FeatToolComplexity] = clamp01(float64(len(def.InputSchema)) / 2048)
	f[FeatParamCount] = clamp01(float64(paramCount) / 10)
	f[FeatPatternMatch] = stats.ShapeFailureRate
	f[FeatAgentExperience] = clamp01(float64(stats.Total) / patternWindow)
	f[FeatErrorRate] = stats.ErrorRate
	f[FeatTimeOfDay] = float64(now.Hour()) / 24
	f[FeatDayOfWeek] = float64(now.Weekday()) / 7
	f[FeatSystemLoad] = clamp01(float64(runtime.NumGoroutine()) / 1000)
	f[FeatConcurrentRequests] = clamp01(float64(p.inflight.Load()) / 100)
	f[FeatRecentErrors] = clamp01(float64(stats.Failures) / patternWindow)
	f[FeatRecentSuccesses] = clamp01(float64(stats.Total-stats.Failures) / patternWindow)
	f[FeatAvgLatency] = clamp01(stats.AvgLatencyMs / 10000)
	return f
}

// classifyValid applies the verdict rule: no high-severity error and risk
// below the strict block threshold.
func (p *Pipeline) classifyValid(verdict *models.Verdict) bool {
	threshold := p.cfg.StrictBlockThreshold
	if threshold <= 0 {
		threshold = 0.9
	}
	return len(verdict.HighSeverityErrors()) == 0 && verdict.Risk.Probability < threshold
}

// RecordOutcome feeds an execution result back into the online model so the
// predictor learns from real outcomes.
func (p *Pipeline) RecordOutcome(ctx context.Context, req models.ToolCallRequest, def models.ToolDefinition, success bool) {
	if p.model == nil {
		return
	}
	stats, err := p.patterns.stats(ctx, req.Tool, req.AgentID, req.Input)
	if err != nil {
		return
	}
	p.model.Observe(p.features(req, def, stats), !success)
}

// CacheLen reports the L1 entry count, for tests and diagnostics.
func (p *Pipeline) CacheLen() int { return p.l1.len() }

func (p *Pipeline) finishCached(verdict *models.Verdict, start time.Time) *models.Verdict {
	clone := *verdict
	clone.Cached = true
	clone.ElapsedMs = time.Since(start).Milliseconds()
	p.record(&clone, models.ToolCallRequest{}, true)
	return &clone
}

func (p *Pipeline) record(verdict *models.Verdict, req models.ToolCallRequest, cached bool) {
	if p.metrics != nil {
		p.metrics.ValidationVerdicts.WithLabelValues(
			string(verdict.Level), boolLabel(verdict.Valid), boolLabel(cached)).Inc()
		p.metrics.ValidationDuration.WithLabelValues(boolLabel(cached)).
			Observe(float64(verdict.ElapsedMs) / 1000)
	}
	if !cached && p.emitter != nil {
		p.emitter.Emit(models.NewEvent(models.EventValidationCompleted, verdict).
			WithAgent(req.AgentID).WithRequestID(req.RequestID))
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func hasFinding(findings []models.Finding, f models.Finding) bool {
	for _, existing := range findings {
		if existing == f {
			return true
		}
	}
	return false
}

func dropKind(findings []models.Finding, kind models.FindingKind) []models.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Kind != kind {
			out = append(out, f)
		}
	}
	return out
}

// confidence shrinks from 1 with each finding.
func confidence(verdict *models.Verdict) float64 {
	c := 1.0
	c -= 0.2 * float64(len(verdict.Errors))
	c -= 0.05 * float64(len(verdict.Warnings))
	if c < 0.1 {
		c = 0.1
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
