// Package trace defines the persisted record of one mission's lifecycle
// and the two-tier store that owns it.
package trace

import (
	"encoding/json"
	"time"

	"swarmd/internal/safety"
)

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TokenUsage records token consumption for one agent call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// AgentResponse is one agent's contribution in one round.
type AgentResponse struct {
	AgentID    string     `json:"agentId"`
	Model      string     `json:"model"`
	Response   string     `json:"response"`
	Confidence float64    `json:"confidence"`
	LatencyMs  int64      `json:"latencyMs"`
	Tokens     TokenUsage `json:"tokens"`
	Error      string     `json:"error,omitempty"`
}

// Iteration is one appended critique round (or the initial fan-out when
// critique is skipped).
type Iteration struct {
	IterationID    int             `json:"iterationId"`
	AgentResponses []AgentResponse `json:"agentResponses"`
	ConsensusScore float64         `json:"consensusScore"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Trace is the complete persisted record of one mission.
type Trace struct {
	TraceID               string                `json:"traceId"`
	Timestamp             time.Time             `json:"timestamp"`
	Mission               string                `json:"mission"`
	Iterations            []Iteration           `json:"iterations"`
	BranchScores          map[string]float64    `json:"branchScores"`
	RedTeamFlags          []safety.RedTeamFlag  `json:"redTeamFlags"`
	FinalPosteriorWeights map[string]float64    `json:"finalPosteriorWeights"`
	SynthesisResult       string                `json:"synthesisResult"`
	CostEstimate          float64               `json:"costEstimate"`
	ActualCost            float64               `json:"actualCost"`
	DurationMs            int64                 `json:"durationMs"`
	Status                Status                `json:"status"`
	Error                 string                `json:"error,omitempty"`
}

// Clone returns a deep copy via JSON round trip, so callers can hand
// traces across goroutines without aliasing store-owned state.
func (t *Trace) Clone() *Trace {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var out Trace
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
