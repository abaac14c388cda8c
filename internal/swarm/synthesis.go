package swarm

import (
	"context"

	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// synthesisMaxTokens caps the final answer's size.
const synthesisMaxTokens = 2000

// runSynthesis composes the weighted synthesis prompt and calls the
// synthesis model, retrying once on the fallback model. Both failing is
// fatal to the mission. Returns the answer text, its token usage, and
// the model that produced it (for billing).
func (e *Engine) runSynthesis(ctx context.Context, traceID, mission string, responses []trace.AgentResponse, weights map[string]float64) (string, upstream.Usage, string, error) {
	e.status.Mutate(traceID, func(s *SwarmStatus) {
		s.Status = PhaseSynthesizing
		s.Progress = 85
		s.Message = "synthesizing final answer"
	})
	e.bus.PublishEvent(bus.Event{
		TraceID: traceID,
		Type:    bus.EventSynthesisStart,
		Data:    map[string]any{"model": e.cfg.Models.SynthesisModel, "agentCount": len(responses)},
	})

	prompt := buildSynthesisPrompt(mission, responses, weights)
	req := upstream.Request{
		Model: e.cfg.Models.SynthesisModel,
		Messages: []upstream.Message{
			{Role: "system", Content: "You synthesize a swarm's weighted findings into one final answer."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.5,
		MaxTokens:   synthesisMaxTokens,
	}

	result, primaryErr := e.client.Call(ctx, req)
	model := e.cfg.Models.SynthesisModel
	if primaryErr != nil {
		if ctx.Err() != nil {
			return "", upstream.Usage{}, "", ctx.Err()
		}
		e.log.Warn("primary synthesis failed, trying fallback",
			zap.String("traceId", traceID),
			zap.String("fallback", e.cfg.Models.FallbackModel),
			zap.Error(primaryErr))

		req.Model = e.cfg.Models.FallbackModel
		fallbackResult, fallbackErr := e.client.Call(ctx, req)
		if fallbackErr != nil {
			if ctx.Err() != nil {
				return "", upstream.Usage{}, "", ctx.Err()
			}
			return "", upstream.Usage{}, "", &SynthesisError{Primary: primaryErr, Fallback: fallbackErr}
		}
		result = fallbackResult
		model = e.cfg.Models.FallbackModel
	}

	e.bus.PublishEvent(bus.Event{
		TraceID: traceID,
		Type:    bus.EventSynthesisComplete,
		Data:    map[string]any{"model": model, "length": len(result.Content)},
	})
	return result.Content, result.Usage, model, nil
}
