package validation

import (
	"fmt"

	"github.com/modelexchange/mxf/pkg/models"
)

// baseRisk maps a tool's declared baseline to a prior failure probability.
var baseRisk = map[models.ValidationLevel]float64{
	models.LevelAsync:    0.05,
	models.LevelBlocking: 0.2,
	models.LevelStrict:   0.5,
}

// scoreRisk blends the tool's baseline risk with the observed error rate for
// {tool, agent} over the recent window. With no history the prior stands
// alone; with a full window the observation dominates.
func scoreRisk(def models.ToolDefinition, stats patternStats) models.RiskAssessment {
	prior := baseRisk[def.RiskBaseline]
	if prior == 0 {
		prior = baseRisk[models.LevelBlocking]
	}

	weight := float64(stats.Total) / float64(patternWindow)
	if weight > 0.8 {
		weight = 0.8
	}
	probability := (1-weight)*prior + weight*stats.ErrorRate
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}

	reasons := []string{fmt.Sprintf("baseline %s (%.2f)", def.RiskBaseline, prior)}
	if stats.Total > 0 {
		reasons = append(reasons, fmt.Sprintf("observed error rate %.2f over %d calls", stats.ErrorRate, stats.Total))
	}
	if stats.ShapeSamples >= 3 && stats.ShapeFailureRate >= 0.5 {
		reasons = append(reasons, fmt.Sprintf("input shape failure rate %.2f", stats.ShapeFailureRate))
	}
	return models.RiskAssessment{Probability: probability, Reasons: reasons}
}

// levelFor buckets a risk score into the validation level that governs the
// call: under 0.2 validation may run async, 0.8 and above forces strict.
func levelFor(score float64) models.ValidationLevel {
	switch {
	case score < 0.2:
		return models.LevelAsync
	case score < 0.8:
		return models.LevelBlocking
	default:
		return models.LevelStrict
	}
}
