package validation

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// patternWindow is how many recent executions the pattern and risk stages
// look at per {tool, agent}.
const patternWindow = 50

// patternStats summarises the recent execution history the risk scorer and
// the pattern stage share.
type patternStats struct {
	Total        int
	Failures     int
	ErrorRate    float64
	AvgLatencyMs float64
	// DominantFailure is the most frequent error code among failures.
	DominantFailure string
	// ShapeFailureRate is the failure rate among calls whose input had the
	// same key set as the current input.
	ShapeFailureRate float64
	ShapeSamples     int
}

// patternLearner consults recorded execution outcomes: does this input shape
// correlate with past failures for this tool and agent?
type patternLearner struct {
	executions storage.ExecutionStore
}

func newPatternLearner(executions storage.ExecutionStore) *patternLearner {
	return &patternLearner{executions: executions}
}

func (p *patternLearner) stats(ctx context.Context, tool, agentID string, input json.RawMessage) (patternStats, error) {
	var stats patternStats
	if p.executions == nil {
		return stats, nil
	}
	records, err := p.executions.Recent(ctx, tool, agentID, patternWindow)
	if err != nil {
		return stats, err
	}

	shape := inputShape(input)
	failureCodes := make(map[string]int)
	var latencySum int64
	for _, r := range records {
		stats.Total++
		latencySum += r.ElapsedMs
		if !r.Success {
			stats.Failures++
			failureCodes[r.ErrorCode]++
		}
		if inputShape(r.Input) == shape {
			stats.ShapeSamples++
			if !r.Success {
				stats.ShapeFailureRate++
			}
		}
	}
	if stats.Total > 0 {
		stats.ErrorRate = float64(stats.Failures) / float64(stats.Total)
		stats.AvgLatencyMs = float64(latencySum) / float64(stats.Total)
	}
	if stats.ShapeSamples > 0 {
		stats.ShapeFailureRate /= float64(stats.ShapeSamples)
	}
	stats.DominantFailure = dominantCode(failureCodes)
	return stats, nil
}

// finding raises a medium warning when the input shape correlates with past
// failures.
func (p *patternLearner) finding(stats patternStats) *models.Finding {
	if stats.ShapeSamples < 3 || stats.ShapeFailureRate < 0.5 {
		return nil
	}
	msg := "this input shape has failed frequently for this tool and agent"
	if stats.DominantFailure != "" {
		msg += ": dominant failure " + stats.DominantFailure
	}
	return &models.Finding{
		Kind:     models.FindingPattern,
		Severity: models.SeverityMedium,
		Message:  msg,
	}
}

// inputShape is the sorted top-level key set of the input object.
func inputShape(input json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

func dominantCode(codes map[string]int) string {
	best, bestCount := "", 0
	for code, count := range codes {
		if count > bestCount || (count == bestCount && code < best) {
			best, bestCount = code, count
		}
	}
	return best
}
