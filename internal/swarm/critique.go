package swarm

import (
	"context"

	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// reviewerMaxTokens caps one critique round's completion.
const reviewerMaxTokens = 1200

// critiqueOutcome carries the final response set out of the loop.
type critiqueOutcome struct {
	responses      []trace.AgentResponse
	consensus      float64
	reviewerUsage  upstream.Usage
	guardianHalted bool
	rounds         int
}

// runCritiqueLoop runs up to MaxCritiqueIterations reviewer rounds. Each
// round rescores every agent whose call succeeded (failed agents keep
// confidence 0) and emits a consensus; the guardian halts
// the loop once improvement stalls for GuardianPatience rounds, and a
// consensus at or above the threshold converges it. Reviewer failures
// degrade to mean-confidence consensus and count as stagnant rounds.
// The returned error is non-nil only on context cancellation.
func (e *Engine) runCritiqueLoop(ctx context.Context, tr *trace.Trace, mission string, responses []trace.AgentResponse) (critiqueOutcome, error) {
	out := critiqueOutcome{responses: responses}
	prevConsensus := 0.0
	stagnant := 0

	for k := 1; k <= MaxCritiqueIterations; k++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		e.bus.PublishEvent(bus.Event{
			TraceID: tr.TraceID,
			Type:    bus.EventCritiqueStart,
			Data:    map[string]any{"iteration": k, "agentCount": len(responses)},
		})
		e.status.Mutate(tr.TraceID, func(s *SwarmStatus) {
			s.CurrentIteration = k
			s.Message = "critique round running"
		})

		consensus := 0.0
		reviewerFailed := false

		result, err := e.client.Call(ctx, upstream.Request{
			Model: e.cfg.Models.ReviewerModel,
			Messages: []upstream.Message{
				{Role: "system", Content: "You are the strict reviewer of a swarm of analysts. Score ruthlessly."},
				{Role: "user", Content: buildReviewerPrompt(mission, responses)},
			},
			Temperature: 0.3,
			MaxTokens:   reviewerMaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			reviewerFailed = true
			consensus = meanConfidence(responses)
			e.log.Warn("reviewer call failed, degrading to mean consensus",
				zap.String("traceId", tr.TraceID),
				zap.Int("iteration", k),
				zap.Error(err))
		} else {
			out.reviewerUsage.PromptTokens += result.Usage.PromptTokens
			out.reviewerUsage.CompletionTokens += result.Usage.CompletionTokens

			e.bus.PublishThought(bus.Thought{
				TraceID: tr.TraceID,
				AgentID: "reviewer",
				Type:    bus.ThoughtCritique,
				Content: result.Content,
			})

			scores := parseReviewerScores(result.Content)
			for i := range responses {
				if responses[i].Error != "" {
					continue
				}
				if score, ok := scores[responses[i].AgentID]; ok {
					responses[i].Confidence = score
					e.bus.PublishThought(bus.Thought{
						TraceID:    tr.TraceID,
						AgentID:    responses[i].AgentID,
						Type:       bus.ThoughtRefined,
						Content:    "confidence rescored by reviewer",
						Confidence: &responses[i].Confidence,
					})
				}
			}
			if c, ok := parseConsensus(result.Content); ok {
				consensus = c
			} else {
				consensus = meanConfidence(responses)
			}
		}

		e.appendIteration(tr, responses, consensus)
		out.responses = responses
		out.consensus = consensus
		out.rounds = k

		e.bus.PublishEvent(bus.Event{
			TraceID: tr.TraceID,
			Type:    bus.EventCritiqueComplete,
			Data:    map[string]any{"iteration": k, "consensusScore": consensus},
		})
		e.bus.PublishEvent(bus.Event{
			TraceID: tr.TraceID,
			Type:    bus.EventConsensusUpdate,
			Data: map[string]any{
				"iteration":      k,
				"consensusScore": consensus,
				"threshold":      ConsensusThreshold,
			},
		})

		if reviewerFailed {
			stagnant++
		} else if k > 1 && consensus-prevConsensus < MinConsensusImprovement {
			stagnant++
		} else {
			stagnant = 0
		}

		if stagnant >= GuardianPatience {
			// Graceful fail: stop burning budget on a stalled critique.
			e.bus.PublishEvent(bus.Event{
				TraceID: tr.TraceID,
				Type:    bus.EventConsensusUpdate,
				Data: map[string]any{
					"iteration":      k,
					"consensusScore": consensus,
					"threshold":      ConsensusThreshold,
					"guardianFail":   true,
				},
			})
			e.log.Info("guardian halted stagnant critique loop",
				zap.String("traceId", tr.TraceID),
				zap.Int("iteration", k),
				zap.Float64("consensus", consensus))
			out.guardianHalted = true
			return out, nil
		}

		if consensus >= ConsensusThreshold {
			e.log.Info("critique converged",
				zap.String("traceId", tr.TraceID),
				zap.Int("iteration", k),
				zap.Float64("consensus", consensus))
			return out, nil
		}
		prevConsensus = consensus
	}
	return out, nil
}
