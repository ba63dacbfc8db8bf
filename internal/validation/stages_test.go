package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := Fingerprint("tool_help", json.RawMessage(`{"a":1,"b":{"y":2,"x":3}}`), "agent-1", models.LevelBlocking)
	b := Fingerprint("tool_help", json.RawMessage(`{"b":{"x":3,"y":2},"a":1}`), "agent-1", models.LevelBlocking)
	if a != b {
		t.Error("fingerprint depends on JSON key order")
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("tool_help", json.RawMessage(`{"a":1}`), "agent-1", models.LevelBlocking)
	cases := map[string]string{
		"tool":  Fingerprint("task_create", json.RawMessage(`{"a":1}`), "agent-1", models.LevelBlocking),
		"input": Fingerprint("tool_help", json.RawMessage(`{"a":2}`), "agent-1", models.LevelBlocking),
		"agent": Fingerprint("tool_help", json.RawMessage(`{"a":1}`), "agent-2", models.LevelBlocking),
		"level": Fingerprint("tool_help", json.RawMessage(`{"a":1}`), "agent-1", models.LevelStrict),
	}
	for dim, fp := range cases {
		if fp == base {
			t.Errorf("fingerprint ignores %s", dim)
		}
	}
}

func TestFingerprintEmptyInput(t *testing.T) {
	a := Fingerprint("tool_help", nil, "agent-1", models.LevelBlocking)
	b := Fingerprint("tool_help", json.RawMessage(nil), "agent-1", models.LevelBlocking)
	if a != b {
		t.Error("nil and empty input must fingerprint identically")
	}
}

func correctionSchema() models.ToolDefinition {
	return models.ToolDefinition{
		Name: "corrected",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"count":    {"type": "number", "minimum": 1, "maximum": 10},
				"priority": {"type": "string", "enum": ["urgent", "normal"]},
				"mode":     {"type": "string", "default": "fast"},
				"title":    {"type": "string", "maxLength": 5}
			}
		}`),
	}
}

func decodeInput(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("decode corrected input: %v", err)
	}
	return obj
}

func TestAutoCorrectClampsNumbers(t *testing.T) {
	def := correctionSchema()
	out, applied := autoCorrect(def, json.RawMessage(`{"count": 50}`))
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}
	if got := decodeInput(t, out)["count"]; got != float64(10) {
		t.Errorf("count = %v, want clamped 10", got)
	}

	out, _ = autoCorrect(def, json.RawMessage(`{"count": 0}`))
	if got := decodeInput(t, out)["count"]; got != float64(1) {
		t.Errorf("count = %v, want clamped 1", got)
	}
}

func TestAutoCorrectCanonicalisesEnum(t *testing.T) {
	out, applied := autoCorrect(correctionSchema(), json.RawMessage(`{"priority": "URGENT"}`))
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}
	if got := decodeInput(t, out)["priority"]; got != "urgent" {
		t.Errorf("priority = %v", got)
	}
	// An exact enum match is left alone.
	if _, applied := autoCorrect(correctionSchema(), json.RawMessage(`{"priority": "normal"}`)); applied != nil {
		t.Errorf("exact match corrected: %v", applied)
	}
}

func TestAutoCorrectFillsDefaults(t *testing.T) {
	out, applied := autoCorrect(correctionSchema(), json.RawMessage(`{"count": 5}`))
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}
	if got := decodeInput(t, out)["mode"]; got != "fast" {
		t.Errorf("mode = %v", got)
	}
}

func TestAutoCorrectTruncatesStrings(t *testing.T) {
	out, applied := autoCorrect(correctionSchema(), json.RawMessage(`{"title": "abcdefgh", "mode": "slow"}`))
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}
	if got := decodeInput(t, out)["title"]; got != "abcde" {
		t.Errorf("title = %v", got)
	}
}

func TestAutoCorrectNoChanges(t *testing.T) {
	in := json.RawMessage(`{"count": 5, "priority": "urgent", "mode": "slow", "title": "ok"}`)
	out, applied := autoCorrect(correctionSchema(), in)
	if applied != nil {
		t.Errorf("applied = %v", applied)
	}
	if string(out) != string(in) {
		t.Error("unchanged input was rewritten")
	}
}

func TestSecurityCheckerPaths(t *testing.T) {
	allowed := t.TempDir()
	c := newSecurityChecker([]string{allowed}, []string{"https"})
	def := models.ToolDefinition{Name: "fs", TouchesFilesystem: true}

	inside := fmt.Sprintf(`{"path": %q}`, filepath.Join(allowed, "notes.txt"))
	if findings := c.check(def, json.RawMessage(inside)); len(findings) != 0 {
		t.Errorf("allowed path flagged: %v", findings)
	}

	findings := c.check(def, json.RawMessage(`{"path": "/etc/passwd"}`))
	if len(findings) != 1 {
		t.Fatalf("findings = %v", findings)
	}
	if findings[0].Kind != models.FindingSecurity || findings[0].Severity != models.SeverityHigh {
		t.Errorf("finding = %+v", findings[0])
	}

	escape := fmt.Sprintf(`{"path": %q}`, allowed+"/../../etc/passwd")
	if findings := c.check(def, json.RawMessage(escape)); len(findings) != 1 {
		t.Errorf("traversal escaped the allow-list: %v", findings)
	}
}

func TestSecurityCheckerURLs(t *testing.T) {
	c := newSecurityChecker(nil, []string{"https"})
	def := models.ToolDefinition{Name: "net", TouchesNetwork: true}

	if findings := c.check(def, json.RawMessage(`{"endpoint": "https://api.example.com/v1"}`)); len(findings) != 0 {
		t.Errorf("allowed protocol flagged: %v", findings)
	}
	findings := c.check(def, json.RawMessage(`{"endpoint": "ftp://files.example.com"}`))
	if len(findings) != 1 || findings[0].Severity != models.SeverityHigh {
		t.Errorf("findings = %v", findings)
	}
}

func TestSecurityCheckerSkipsDeclaredSafeTools(t *testing.T) {
	c := newSecurityChecker(nil, []string{"https"})
	def := models.ToolDefinition{Name: "pure"}
	if findings := c.check(def, json.RawMessage(`{"path": "/etc/passwd", "url": "ftp://x"}`)); len(findings) != 0 {
		t.Errorf("safe tool flagged: %v", findings)
	}
}

func TestScoreRiskPriorOnly(t *testing.T) {
	cases := []struct {
		baseline models.ValidationLevel
		want     float64
	}{
		{models.LevelAsync, 0.05},
		{models.LevelBlocking, 0.2},
		{models.LevelStrict, 0.5},
		{"", 0.2},
	}
	for _, tc := range cases {
		risk := scoreRisk(models.ToolDefinition{RiskBaseline: tc.baseline}, patternStats{})
		if math.Abs(risk.Probability-tc.want) > 1e-9 {
			t.Errorf("baseline %q: probability = %v, want %v", tc.baseline, risk.Probability, tc.want)
		}
	}
}

func TestScoreRiskBlendsObservedErrors(t *testing.T) {
	stats := patternStats{Total: patternWindow, Failures: patternWindow, ErrorRate: 1.0}
	risk := scoreRisk(models.ToolDefinition{RiskBaseline: models.LevelBlocking}, stats)
	// Observation weight caps at 0.8: 0.2*0.2 + 0.8*1.0
	if math.Abs(risk.Probability-0.84) > 1e-9 {
		t.Errorf("probability = %v", risk.Probability)
	}
}

func TestLevelForBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  models.ValidationLevel
	}{
		{0.0, models.LevelAsync},
		{0.19, models.LevelAsync},
		{0.2, models.LevelBlocking},
		{0.79, models.LevelBlocking},
		{0.8, models.LevelStrict},
		{1.0, models.LevelStrict},
	}
	for _, tc := range cases {
		if got := levelFor(tc.score); got != tc.want {
			t.Errorf("levelFor(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestPatternLearner(t *testing.T) {
	ctx := context.Background()
	execs := storage.NewMemStore().Executions()
	shape := json.RawMessage(`{"query": "x"}`)
	for i := 0; i < 4; i++ {
		_ = execs.Append(ctx, &models.ExecutionRecord{
			Tool: "tool_help", AgentID: "a1", Input: shape,
			Success: false, ErrorCode: models.CodeTimeout, ElapsedMs: 100,
		})
	}

	learner := newPatternLearner(execs)
	stats, err := learner.stats(ctx, "tool_help", "a1", shape)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Failures != 4 || stats.ErrorRate != 1.0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ShapeSamples != 4 || stats.ShapeFailureRate != 1.0 {
		t.Errorf("shape stats = %+v", stats)
	}
	if stats.DominantFailure != models.CodeTimeout {
		t.Errorf("dominant failure = %q", stats.DominantFailure)
	}

	f := learner.finding(stats)
	if f == nil || f.Kind != models.FindingPattern || f.Severity != models.SeverityMedium {
		t.Errorf("finding = %+v", f)
	}

	// Too few shape samples stays silent.
	if f := learner.finding(patternStats{ShapeSamples: 2, ShapeFailureRate: 1.0}); f != nil {
		t.Errorf("finding on thin evidence: %+v", f)
	}
}

func TestVerdictLRU(t *testing.T) {
	cache := newVerdictLRU(16, 50*time.Millisecond)

	v := &models.Verdict{Valid: true, Confidence: 0.8}
	cache.put("k1", v)
	got, ok := cache.get("k1")
	if !ok || !got.Valid {
		t.Fatalf("get after put: ok=%v", ok)
	}
	// Hits are copies.
	got.Valid = false
	if again, _ := cache.get("k1"); !again.Valid {
		t.Error("cache shares verdict memory with callers")
	}

	if _, ok := cache.get("missing"); ok {
		t.Error("unknown key hit")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.get("k1"); ok {
		t.Error("expired entry served")
	}
}

func TestVerdictLRUEviction(t *testing.T) {
	cache := newVerdictLRU(16, time.Minute)
	v := &models.Verdict{Valid: true}
	for i := 0; i < 200; i++ {
		cache.put(fmt.Sprintf("k-%d", i), v)
	}
	if n := cache.len(); n > 16 {
		t.Errorf("cache holds %d entries past capacity", n)
	}
}

func TestOnlineModelTraining(t *testing.T) {
	m := NewOnlineModel(10)
	if m.Trained() {
		t.Error("fresh model reports trained")
	}
	var failing FeatureVector
	failing[FeatErrorRate] = 1
	var clean FeatureVector
	for i := 0; i < 10; i++ {
		m.Observe(failing, true)
		m.Observe(clean, false)
	}
	if !m.Trained() {
		t.Error("model untrained after min samples")
	}

	pFail, conf := m.Predict(failing)
	pClean, _ := m.Predict(clean)
	if pFail <= pClean {
		t.Errorf("failure profile %v not riskier than clean %v", pFail, pClean)
	}
	if conf <= 0 || conf >= 1 {
		t.Errorf("confidence = %v", conf)
	}
}

func TestHeuristicFallback(t *testing.T) {
	h := Heuristic{}
	if !h.Trained() {
		t.Error("heuristic needs no training")
	}
	prob, conf := h.Predict(FeatureVector{})
	if prob != 0.3 || conf != 0.5 {
		t.Errorf("predict = %v, %v", prob, conf)
	}
	center := h.Reconstruct(FeatureVector{})
	if err := ReconstructionError(center, center); err != 0 {
		t.Errorf("self reconstruction error = %v", err)
	}
	if err := ReconstructionError(FeatureVector{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, center); err <= 0 || err >= 1 {
		t.Errorf("distant reconstruction error = %v", err)
	}
}
