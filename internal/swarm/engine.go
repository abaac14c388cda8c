// Package swarm implements the mission orchestration core: preflight
// safety and budget checks, throttled concurrent fan-out, the critique
// loop with its stagnation guardian, Bayesian posterior weighting, and
// final synthesis with fallback.
package swarm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/config"
	"swarmd/internal/cost"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/safety"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// Critique loop constants.
const (
	ConsensusThreshold      = 0.92
	MaxCritiqueIterations   = 5
	MinConsensusImprovement = 0.02
	GuardianPatience        = 2
)

// agentMaxTokens caps each swarm agent's completion.
const agentMaxTokens = 600

// Engine orchestrates missions. All collaborators are injected so tests
// can substitute in-memory doubles.
type Engine struct {
	cfg     *config.Config
	client  upstream.Caller
	store   *trace.Store
	bus     *bus.Bus
	metrics *metrics.Registry
	status  *statusTracker
	log     *zap.Logger
}

// NewEngine wires an engine from its dependencies.
func NewEngine(cfg *config.Config, client upstream.Caller, store *trace.Store, b *bus.Bus, reg *metrics.Registry) *Engine {
	return &Engine{
		cfg:     cfg,
		client:  client,
		store:   store,
		bus:     b,
		metrics: reg,
		status:  newStatusTracker(),
		log:     logging.Swarm(),
	}
}

// Status returns the live SwarmStatus for a trace, if still tracked.
func (e *Engine) Status(traceID string) (SwarmStatus, bool) {
	return e.status.Get(traceID)
}

// ActiveSwarms snapshots every tracked swarm.
func (e *Engine) ActiveSwarms() []SwarmStatus {
	return e.status.List()
}

// ExecuteMission runs one mission to a terminal trace. It blocks until
// the trace is terminal, publishing events throughout and persisting the
// trace at each meaningful state change.
func (e *Engine) ExecuteMission(ctx context.Context, mission string, swarmSize int, maxBudget float64) (*trace.Trace, error) {
	start := time.Now()
	e.metrics.IncMissionsTotal()

	inputFlags := safety.Scan(mission, safety.SourceInput)
	if safety.ShouldBlock(inputFlags) {
		return e.blockMission(mission, inputFlags, start)
	}

	if swarmSize <= 0 {
		swarmSize = e.cfg.Swarm.DefaultSize
	}
	if swarmSize > e.cfg.Swarm.MaxAgents {
		swarmSize = e.cfg.Swarm.MaxAgents
	}
	if maxBudget <= 0 {
		maxBudget = e.cfg.Swarm.DefaultMaxBudget
	}

	est := cost.EstimateMission(&e.cfg.Models, mission, swarmSize, maxBudget)
	if !est.WithinBudget {
		e.log.Info("mission rejected by budget guard",
			zap.Float64("estimate", est.TotalCost),
			zap.Float64("maxBudget", maxBudget))
		return nil, &BudgetExceededError{Estimate: est.TotalCost, MaxBudget: maxBudget}
	}

	tr := e.newTrace(mission, inputFlags, est.TotalCost)
	if err := e.store.Save(tr); err != nil {
		return nil, err
	}
	e.initStatus(tr.TraceID, swarmSize)

	e.log.Info("mission started",
		zap.String("traceId", tr.TraceID),
		zap.Int("swarmSize", swarmSize),
		zap.Float64("costEstimate", est.TotalCost))

	responses := e.runFanout(ctx, tr.TraceID, mission, swarmSize)
	if ctx.Err() != nil {
		return e.cancelMission(tr, start)
	}

	e.scanResponses(tr, responses)

	var agentCost float64
	for _, r := range responses {
		agentCost += cost.TokenCost(&e.cfg.Models, r.Model, r.Tokens.Input, r.Tokens.Output)
	}

	var reviewerUsage upstream.Usage
	if anyQualified(responses) {
		out, err := e.runCritiqueLoop(ctx, tr, mission, responses)
		if err != nil {
			return e.cancelMission(tr, start)
		}
		responses = out.responses
		reviewerUsage = out.reviewerUsage
	} else {
		// Total fan-out failure: record the initial round as iteration 1
		// and let synthesis try whatever text exists.
		e.appendIteration(tr, responses, meanConfidence(responses))
	}

	weights := ComputePosteriorWeights(responses)
	tr.FinalPosteriorWeights = weights
	e.persist(tr)

	if ctx.Err() != nil {
		return e.cancelMission(tr, start)
	}

	content, synthUsage, synthModel, err := e.runSynthesis(ctx, tr.TraceID, mission, responses, weights)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelMission(tr, start)
		}
		actual := agentCost + e.premiumCost(e.cfg.Models.ReviewerModel, reviewerUsage)
		e.failMission(tr, err.Error(), actual, start)
		return tr.Clone(), err
	}

	synthFlags := safety.Scan(content, safety.SourceSynthesis)
	if len(synthFlags) > 0 {
		tr.RedTeamFlags = append(tr.RedTeamFlags, synthFlags...)
		e.metrics.AddRedTeamFlags(len(synthFlags))
	}

	actual := agentCost +
		e.premiumCost(e.cfg.Models.ReviewerModel, reviewerUsage) +
		e.premiumCost(synthModel, synthUsage)

	duration := time.Since(start)
	tr.SynthesisResult = safety.Sanitize(content)
	tr.ActualCost = actual
	tr.DurationMs = duration.Milliseconds()
	tr.Status = trace.StatusCompleted
	e.persist(tr)

	e.metrics.ObserveDuration(float64(duration.Milliseconds()))
	e.metrics.IncMissionsSuccess()
	e.metrics.AddCost(actual)

	e.status.Mutate(tr.TraceID, func(s *SwarmStatus) {
		s.Status = PhaseCompleted
		s.Progress = 100
		s.Message = "mission complete"
	})
	e.status.scheduleEvict(tr.TraceID, evictDelay)

	e.log.Info("mission completed",
		zap.String("traceId", tr.TraceID),
		zap.Float64("actualCost", actual),
		zap.Int64("durationMs", tr.DurationMs))
	return tr.Clone(), nil
}

// newTrace builds the initial running trace. Non-blocking input flags are
// still recorded.
func (e *Engine) newTrace(mission string, inputFlags []safety.RedTeamFlag, estimate float64) *trace.Trace {
	if len(inputFlags) > 0 {
		e.metrics.AddRedTeamFlags(len(inputFlags))
	}
	flags := make([]safety.RedTeamFlag, len(inputFlags))
	copy(flags, inputFlags)
	return &trace.Trace{
		TraceID:               uuid.NewString(),
		Timestamp:             time.Now().UTC(),
		Mission:               safety.Sanitize(mission),
		Iterations:            []trace.Iteration{},
		BranchScores:          map[string]float64{},
		RedTeamFlags:          flags,
		FinalPosteriorWeights: map[string]float64{},
		CostEstimate:          estimate,
		Status:                trace.StatusRunning,
	}
}

// blockMission persists a failed trace for a safety-blocked mission.
func (e *Engine) blockMission(mission string, flags []safety.RedTeamFlag, start time.Time) (*trace.Trace, error) {
	tr := &trace.Trace{
		TraceID:               uuid.NewString(),
		Timestamp:             time.Now().UTC(),
		Mission:               safety.Sanitize(mission),
		Iterations:            []trace.Iteration{},
		BranchScores:          map[string]float64{},
		RedTeamFlags:          flags,
		FinalPosteriorWeights: map[string]float64{},
		Status:                trace.StatusFailed,
		Error:                 "Mission blocked by safety system",
		DurationMs:            time.Since(start).Milliseconds(),
	}
	e.persist(tr)
	e.metrics.IncMissionsFailed()
	e.metrics.AddRedTeamFlags(len(flags))
	e.log.Warn("mission blocked by safety scan",
		zap.String("traceId", tr.TraceID),
		zap.Int("flags", len(flags)),
		zap.String("severity", string(safety.HighestSeverity(flags))))
	return tr.Clone(), &SafetyBlockedError{TraceID: tr.TraceID, Flags: flags}
}

// cancelMission persists the cancellation outcome and evicts status.
func (e *Engine) cancelMission(tr *trace.Trace, start time.Time) (*trace.Trace, error) {
	e.failMission(tr, "cancelled", tr.ActualCost, start)
	return tr.Clone(), ErrCancelled
}

// failMission drives a running trace to failed exactly once.
func (e *Engine) failMission(tr *trace.Trace, msg string, actualCost float64, start time.Time) {
	tr.Status = trace.StatusFailed
	tr.Error = msg
	if actualCost > 0 {
		tr.ActualCost = actualCost
	}
	tr.DurationMs = time.Since(start).Milliseconds()
	e.persist(tr)

	e.metrics.IncMissionsFailed()
	e.status.Mutate(tr.TraceID, func(s *SwarmStatus) {
		s.Status = PhaseFailed
		s.Message = msg
	})
	e.status.scheduleEvict(tr.TraceID, evictDelay)
	e.log.Warn("mission failed", zap.String("traceId", tr.TraceID), zap.String("error", msg))
}

// persist saves the engine's authoritative trace copy.
func (e *Engine) persist(tr *trace.Trace) {
	if err := e.store.Save(tr); err != nil {
		e.log.Error("trace persist failed", zap.String("traceId", tr.TraceID), zap.Error(err))
	}
}

// initStatus installs the pre-fanout SwarmStatus with one pending entry
// per agent.
func (e *Engine) initStatus(traceID string, swarmSize int) {
	agents := make([]AgentStatus, swarmSize)
	for i := range agents {
		agents[i] = AgentStatus{
			ID:     agentID(i),
			Status: AgentPending,
			Model:  e.cfg.Models.SwarmModel,
		}
	}
	e.status.Set(SwarmStatus{
		TraceID: traceID,
		Status:  PhaseRunning,
		Agents:  agents,
		Message: "fan-out starting",
	})
}

// scanResponses red-teams every non-empty agent response.
func (e *Engine) scanResponses(tr *trace.Trace, responses []trace.AgentResponse) {
	var found int
	for _, r := range responses {
		if r.Response == "" {
			continue
		}
		flags := safety.Scan(r.Response, safety.SourceOutput)
		if len(flags) > 0 {
			tr.RedTeamFlags = append(tr.RedTeamFlags, flags...)
			found += len(flags)
		}
	}
	if found > 0 {
		e.metrics.AddRedTeamFlags(found)
		e.persist(tr)
	}
}

// appendIteration appends the next 1-based iteration and persists.
func (e *Engine) appendIteration(tr *trace.Trace, responses []trace.AgentResponse, consensus float64) {
	snapshot := make([]trace.AgentResponse, len(responses))
	copy(snapshot, responses)
	tr.Iterations = append(tr.Iterations, trace.Iteration{
		IterationID:    len(tr.Iterations) + 1,
		AgentResponses: snapshot,
		ConsensusScore: consensus,
		Timestamp:      time.Now().UTC(),
	})
	tr.FinalPosteriorWeights = ComputePosteriorWeights(responses)
	e.persist(tr)
}

// premiumCost prices reviewer/synthesis usage on the given model.
func (e *Engine) premiumCost(model string, u upstream.Usage) float64 {
	return cost.TokenCost(&e.cfg.Models, model, u.PromptTokens, u.CompletionTokens)
}

// anyQualified reports whether any response can carry posterior weight.
func anyQualified(responses []trace.AgentResponse) bool {
	for _, r := range responses {
		if r.Error == "" && r.Confidence > 0 {
			return true
		}
	}
	return false
}
