// Package tiering decides whether a request is a trivially handled local
// task (zero cost) or a mission that invokes the swarm. Classification is
// a pure lexical function; equal inputs always yield equal outputs.
package tiering

import (
	"regexp"
	"strings"
)

// Tier labels the routing decision.
type Tier string

const (
	TierTask    Tier = "task"
	TierMission Tier = "mission"
)

// Classification is the routing decision for one request.
type Classification struct {
	Tier         Tier    `json:"tier"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
	LocalHandler string  `json:"localHandler,omitempty"`
}

// taskPattern maps a "simple task" phrasing to its local handler id.
type taskPattern struct {
	re      *regexp.Regexp
	handler string
}

// Simple-task patterns, checked first. Handlers without a registered
// transformation fall through to identity.
var taskPatterns = []taskPattern{
	{regexp.MustCompile(`(?i)\b(?:clean|fix)\b.{0,20}\b(?:text|spelling|typos?|grammar)\b`), HandlerTextCleaner},
	{regexp.MustCompile(`(?i)\bclean\b`), HandlerTextCleaner},
	{regexp.MustCompile(`(?i)\b(?:trim|collapse|normali[sz]e|remove)\b.{0,20}\b(?:whitespace|spaces)\b`), HandlerWhitespace},
	{regexp.MustCompile(`(?i)\b(?:upper|lower|sentence)\s?-?case\b`), HandlerCase},
	{regexp.MustCompile(`(?i)\bcapitali[sz]e\b`), HandlerCase},
	{regexp.MustCompile(`(?i)\bcount\b.{0,20}\b(?:words?|chars?|characters|lines?)\b`), HandlerCounter},
	{regexp.MustCompile(`(?i)\b(?:format|reformat)\b.{0,20}\b(?:text|this)\b`), HandlerWhitespace},
	{regexp.MustCompile(`(?i)\bconvert\b.{0,20}\bcase\b`), HandlerCase},
	{regexp.MustCompile(`(?i)\b(?:extract|sort)\b.{0,20}\b(?:words?|lines?|list)\b`), "listTransformer"},
}

// Mission indicators: vocabulary whose presence signals real analytical
// work. Counted as whole words.
var missionIndicators = []string{
	"analyze", "analyse", "synthesize", "synthesise", "design", "architect",
	"evaluate", "compare", "strategy", "strategic", "research",
	"investigate", "optimize", "optimise", "develop", "plan", "assess",
	"recommend", "tradeoffs", "implications", "comprehensive",
}

// Classify routes a mission string. Rules are evaluated in order; the
// first that fires wins.
func Classify(mission string) Classification {
	trimmed := strings.TrimSpace(mission)
	words := strings.Fields(trimmed)
	wordCount := len(words)
	charCount := len(trimmed)

	for _, tp := range taskPatterns {
		if tp.re.MatchString(trimmed) {
			return Classification{
				Tier:         TierTask,
				Confidence:   0.95,
				Reason:       "matched simple task pattern",
				LocalHandler: tp.handler,
			}
		}
	}

	if wordCount < 5 && charCount < 40 {
		return Classification{
			Tier:       TierTask,
			Confidence: 0.7,
			Reason:     "too short to require the swarm",
		}
	}

	indicators := countIndicators(words)
	if indicators >= 2 {
		return Classification{
			Tier:       TierMission,
			Confidence: 0.9,
			Reason:     "multiple mission indicators present",
		}
	}
	if indicators == 1 && wordCount >= 15 {
		return Classification{
			Tier:       TierMission,
			Confidence: 0.8,
			Reason:     "mission indicator in a substantial request",
		}
	}

	if wordCount >= 15 || charCount >= 80 {
		return Classification{
			Tier:       TierMission,
			Confidence: 0.75,
			Reason:     "long-form request",
		}
	}

	return Classification{
		Tier:       TierTask,
		Confidence: 0.6,
		Reason:     "no mission signal detected",
	}
}

func countIndicators(words []string) int {
	count := 0
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))
		for _, ind := range missionIndicators {
			if w == ind {
				count++
				break
			}
		}
	}
	return count
}
