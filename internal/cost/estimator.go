// Package cost implements the pre-flight cost estimator and budget
// guard. Estimation is a pure token heuristic over the per-model pricing
// table; no API calls are made.
package cost

import (
	"math"

	"swarmd/internal/config"
)

// expectedAgentOutputTokens models how much each swarm agent produces.
const expectedAgentOutputTokens = 500

// synthesisOutputTokens models the final synthesis response size.
const synthesisOutputTokens = 1000

// Estimate is the result of a budget check.
type Estimate struct {
	InputTokens          int     `json:"inputTokens"`
	ExpectedOutputTokens int     `json:"expectedOutputTokens"`
	SwarmCost            float64 `json:"swarmCost"`
	SynthesisCost        float64 `json:"synthesisCost"`
	TotalCost            float64 `json:"totalCost"`
	MaxBudget            float64 `json:"maxBudget"`
	WithinBudget         bool    `json:"withinBudget"`
}

// CountTokens applies the chars/4 heuristic, rounded up.
func CountTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// TokenCost prices a single call against the model table.
func TokenCost(models *config.ModelsConfig, model string, inputTokens, outputTokens int) float64 {
	rate := models.Rate(model)
	return float64(inputTokens)/1000.0*rate.InputPer1K + float64(outputTokens)/1000.0*rate.OutputPer1K
}

// EstimateMission computes the projected cost of running a mission with
// the given swarm size. The swarm phase prices one call per agent on the
// swarm model (free tier prices to zero); the synthesis phase models its
// input as the mission plus every agent's expected output.
func EstimateMission(models *config.ModelsConfig, mission string, swarmSize int, maxBudget float64) Estimate {
	inputTokens := CountTokens(mission)

	swarmCost := float64(swarmSize) * TokenCost(models, models.SwarmModel, inputTokens, expectedAgentOutputTokens)

	synthesisInput := inputTokens + swarmSize*expectedAgentOutputTokens
	synthesisCost := TokenCost(models, models.SynthesisModel, synthesisInput, synthesisOutputTokens)

	total := swarmCost + synthesisCost
	return Estimate{
		InputTokens:          inputTokens,
		ExpectedOutputTokens: expectedAgentOutputTokens,
		SwarmCost:            swarmCost,
		SynthesisCost:        synthesisCost,
		TotalCost:            total,
		MaxBudget:            maxBudget,
		WithinBudget:         total <= maxBudget,
	}
}
