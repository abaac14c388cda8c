package swarm

import (
	"fmt"
	"sort"
	"strings"

	"swarmd/internal/trace"
)

// reviewerTruncateLen bounds how much of each response the reviewer sees.
const reviewerTruncateLen = 500

// agentSystemPrompt identifies one swarm agent and demands the
// confidence tag the parser expects.
func agentSystemPrompt(agentID string) string {
	return fmt.Sprintf(
		"You are %s, one independent analyst in a swarm working on the same mission. "+
			"Give your own opinionated answer; do not hedge toward a committee view. "+
			"End your response with a confidence tag of the exact form [CONFIDENCE: X.XX] "+
			"where X.XX is between 0.00 and 1.00.", agentID)
}

// buildReviewerPrompt asks the reviewer to rescore every agent and emit a
// consensus line in the format the parser reads back.
func buildReviewerPrompt(mission string, responses []trace.AgentResponse) string {
	var sb strings.Builder
	sb.WriteString("Mission:\n")
	sb.WriteString(mission)
	sb.WriteString("\n\nAgent responses:\n")
	for _, r := range responses {
		text := r.Response
		if len(text) > reviewerTruncateLen {
			text = text[:reviewerTruncateLen]
		}
		if r.Error != "" {
			text = "(agent failed: " + r.Error + ")"
		}
		fmt.Fprintf(&sb, "\n%s (confidence %.2f):\n%s\n", r.AgentID, r.Confidence, text)
	}
	sb.WriteString("\nCritique each response for accuracy, depth, and relevance to the mission. " +
		"Output exactly one line per agent of the form `agent-N: NEW_SCORE | justification` " +
		"with NEW_SCORE between 0.00 and 1.00, followed by a final line " +
		"`[CONSENSUS]: SCORE | note` rating how much the responses agree.")
	return sb.String()
}

// buildSynthesisPrompt embeds every response with its posterior weight so
// the synthesis model can favor the strongest agents.
func buildSynthesisPrompt(mission string, responses []trace.AgentResponse, weights map[string]float64) string {
	ordered := make([]trace.AgentResponse, 0, len(responses))
	for _, r := range responses {
		if r.Response != "" {
			ordered = append(ordered, r)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return weights[ordered[i].AgentID] > weights[ordered[j].AgentID]
	})

	var sb strings.Builder
	sb.WriteString("Mission:\n")
	sb.WriteString(mission)
	sb.WriteString("\n\nWeighted agent responses:\n")
	for _, r := range ordered {
		fmt.Fprintf(&sb, "\n%s (Weight: %.3f, Confidence: %.2f):\n%s\n",
			r.AgentID, weights[r.AgentID], r.Confidence, r.Response)
	}
	sb.WriteString("\nSynthesize a single coherent answer to the mission. " +
		"Weigh higher-weighted agents more heavily, reconcile conflicts explicitly, " +
		"and do not mention the agents or the weighting process in your answer.")
	return sb.String()
}
