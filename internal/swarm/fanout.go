package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swarmd/internal/bus"
	"swarmd/internal/safety"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// fanoutProgressCeiling is how much of the progress bar fan-out owns.
const fanoutProgressCeiling = 80

func agentID(index int) string {
	return fmt.Sprintf("agent-%d", index+1)
}

// runFanout launches n concurrent agent calls. Agent i sleeps i×throttle
// before dispatch so the free tier is not hammered, then all calls run in
// parallel. Individual failures are absorbed into zero-confidence
// responses; cancellation marks the remaining agents cancelled.
func (e *Engine) runFanout(ctx context.Context, traceID, mission string, n int) []trace.AgentResponse {
	throttle := time.Duration(e.cfg.Swarm.ThrottleMs) * time.Millisecond
	responses := make([]trace.AgentResponse, n)
	var completed atomic.Int64

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			id := agentID(i)
			if delay := time.Duration(i) * throttle; delay > 0 {
				select {
				case <-ctx.Done():
					responses[i] = cancelledResponse(id, e.cfg.Models.SwarmModel)
					return nil
				case <-time.After(delay):
				}
			}
			responses[i] = e.runAgent(ctx, traceID, mission, id)
			e.recordAgentDone(traceID, responses[i], int(completed.Add(1)), n)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// runAgent performs one upstream call with a jittered temperature and
// parses the confidence tag out of the reply.
func (e *Engine) runAgent(ctx context.Context, traceID, mission, id string) trace.AgentResponse {
	model := e.cfg.Models.SwarmModel
	if ctx.Err() != nil {
		return cancelledResponse(id, model)
	}

	e.metrics.AgentStarted()
	defer e.metrics.AgentFinished()

	e.status.Mutate(traceID, func(s *SwarmStatus) {
		setAgentState(s, id, AgentRunning, nil, nil)
		s.Message = id + " running"
	})
	e.bus.PublishEvent(bus.Event{
		TraceID: traceID,
		Type:    bus.EventAgentStart,
		Data:    map[string]any{"agentId": id, "model": model},
	})
	e.bus.PublishThought(bus.Thought{
		TraceID: traceID,
		AgentID: id,
		Type:    bus.ThoughtThinking,
		Content: "analyzing mission",
	})

	temperature := 0.8 + 0.4*rand.Float64()
	start := time.Now()
	result, err := e.client.Call(ctx, upstream.Request{
		Model: model,
		Messages: []upstream.Message{
			{Role: "system", Content: agentSystemPrompt(id)},
			{Role: "user", Content: mission},
		},
		Temperature: temperature,
		MaxTokens:   agentMaxTokens,
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			msg = "cancelled"
		}
		e.log.Warn("agent call failed",
			zap.String("traceId", traceID),
			zap.String("agentId", id),
			zap.String("error", msg))
		e.bus.PublishEvent(bus.Event{
			TraceID: traceID,
			Type:    bus.EventAgentComplete,
			Data:    map[string]any{"agentId": id, "error": msg},
		})
		return trace.AgentResponse{
			AgentID:   id,
			Model:     model,
			LatencyMs: latency,
			Error:     msg,
		}
	}

	cleaned, confidence := parseConfidence(result.Content)
	resp := trace.AgentResponse{
		AgentID:    id,
		Model:      model,
		Response:   safety.Sanitize(cleaned),
		Confidence: confidence,
		LatencyMs:  latency,
		Tokens: trace.TokenUsage{
			Input:  result.Usage.PromptTokens,
			Output: result.Usage.CompletionTokens,
		},
	}

	e.bus.PublishThought(bus.Thought{
		TraceID:    traceID,
		AgentID:    id,
		Type:       bus.ThoughtResponse,
		Content:    resp.Response,
		Confidence: &resp.Confidence,
	})
	e.bus.PublishEvent(bus.Event{
		TraceID: traceID,
		Type:    bus.EventAgentComplete,
		Data: map[string]any{
			"agentId":    id,
			"confidence": confidence,
			"latencyMs":  latency,
		},
	})
	return resp
}

// recordAgentDone updates per-agent status and overall progress.
func (e *Engine) recordAgentDone(traceID string, r trace.AgentResponse, completed, total int) {
	progress := completed * fanoutProgressCeiling / total
	state := AgentCompleted
	if r.Error != "" {
		state = AgentFailed
	}
	conf := r.Confidence
	latency := r.LatencyMs
	e.status.Mutate(traceID, func(s *SwarmStatus) {
		setAgentState(s, r.AgentID, state, &conf, &latency)
		s.Progress = progress
		s.Message = fmt.Sprintf("%d/%d agents complete", completed, total)
	})
}

func setAgentState(s *SwarmStatus, id string, state AgentState, conf *float64, latency *int64) {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			s.Agents[i].Status = state
			if conf != nil {
				s.Agents[i].Confidence = conf
			}
			if latency != nil {
				s.Agents[i].LatencyMs = latency
			}
			return
		}
	}
}

func cancelledResponse(id, model string) trace.AgentResponse {
	return trace.AgentResponse{
		AgentID: id,
		Model:   model,
		Error:   "cancelled",
	}
}
