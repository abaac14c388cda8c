// Package safety implements regex-based content classification and
// red-team flagging for mission input, agent output, and synthesis text,
// plus the sanitizer applied to every string persisted into a trace.
package safety

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Severity ranks how dangerous a matched pattern is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Source records which stage of a mission produced the scanned content.
type Source string

const (
	SourceInput     Source = "input"
	SourceOutput    Source = "output"
	SourceSynthesis Source = "synthesis"
)

// RedTeamFlag is one pattern match. Immutable once created.
type RedTeamFlag struct {
	FlagID      string    `json:"flagId"`
	Severity    Severity  `json:"severity"`
	Categories  []string  `json:"categories"`
	Explanation string    `json:"explanation"`
	Source      Source    `json:"source"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// rule is one labeled pattern in the closed scan set.
type rule struct {
	category    string
	severity    Severity
	re          *regexp.Regexp
	explanation string
}

// The closed pattern set. Scanning is case-insensitive; overlapping rules
// each flag independently.
var rules = []rule{
	{
		category:    "violence",
		severity:    SeverityCritical,
		re:          regexp.MustCompile(`(?i)\b(?:make|build|construct|assemble|create)\b.{0,40}\b(?:bomb|explosive|pipe bomb|ied|grenade)\b`),
		explanation: "Instructions for constructing weapons or explosives.",
	},
	{
		category:    "violence",
		severity:    SeverityHigh,
		re:          regexp.MustCompile(`(?i)\bhow to\b.{0,40}\b(?:kill|murder|poison|maim)\b.{0,30}\b(?:someone|a person|people)\b`),
		explanation: "Request for methods of harming people.",
	},
	{
		category:    "illegal",
		severity:    SeverityHigh,
		re:          regexp.MustCompile(`(?i)\b(?:synthesi[sz]e|cook|manufacture)\b.{0,40}\b(?:meth|methamphetamine|fentanyl|heroin|cocaine)\b`),
		explanation: "Instructions for producing controlled substances.",
	},
	{
		category:    "illegal",
		severity:    SeverityHigh,
		re:          regexp.MustCompile(`(?i)\b(?:hack|break) into\b.{0,40}\b(?:account|network|system|computer)\b`),
		explanation: "Request to compromise systems or accounts without authorization.",
	},
	{
		category:    "pii",
		severity:    SeverityMedium,
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		explanation: "Content contains a social security number.",
	},
	{
		category:    "pii",
		severity:    SeverityMedium,
		re:          regexp.MustCompile(`\b\d{16}\b`),
		explanation: "Content contains a possible payment card number.",
	},
	{
		category:    "manipulation",
		severity:    SeverityMedium,
		re:          regexp.MustCompile(`(?i)\b(?:phishing|social engineering)\b.{0,40}\b(?:template|script|campaign|email)\b`),
		explanation: "Request for deceptive manipulation material.",
	},
	{
		category:    "self-harm",
		severity:    SeverityHigh,
		re:          regexp.MustCompile(`(?i)\b(?:how to|best way to)\b.{0,30}\b(?:kill|hurt|harm) (?:myself|yourself)\b`),
		explanation: "Content discussing methods of self-harm.",
	},
	{
		category:    "csam",
		severity:    SeverityCritical,
		re:          regexp.MustCompile(`(?i)\b(?:sexual|explicit|nude)\b.{0,40}\b(?:child|children|minor|underage)\b`),
		explanation: "Content sexualizing minors.",
	},
}

// Scan evaluates every rule against content and returns one flag per
// match, each with a fresh UUID and the matched substring as evidence.
func Scan(content string, source Source) []RedTeamFlag {
	if content == "" {
		return nil
	}
	var flags []RedTeamFlag
	now := time.Now().UTC()
	for _, r := range rules {
		for _, match := range r.re.FindAllString(content, -1) {
			flags = append(flags, RedTeamFlag{
				FlagID:      uuid.NewString(),
				Severity:    r.severity,
				Categories:  []string{r.category},
				Explanation: r.explanation,
				Source:      source,
				Content:     match,
				Timestamp:   now,
			})
		}
	}
	return flags
}

// HighestSeverity returns the most severe tier present, or "" for none.
func HighestSeverity(flags []RedTeamFlag) Severity {
	var best Severity
	for _, f := range flags {
		if severityRank[f.Severity] > severityRank[best] {
			best = f.Severity
		}
	}
	return best
}

// ShouldBlock reports whether any flag is HIGH or CRITICAL.
func ShouldBlock(flags []RedTeamFlag) bool {
	for _, f := range flags {
		if severityRank[f.Severity] >= severityRank[SeverityHigh] {
			return true
		}
	}
	return false
}

// Redaction patterns applied to persisted text. Ordered so the card
// pattern runs before the phone pattern; placeholders contain no digits,
// which makes Sanitize idempotent.
var (
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCard  = regexp.MustCompile(`\b\d{16}\b`)
	reEmail = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	rePhone = regexp.MustCompile(`\b\d{10}\b`)
)

// Sanitize redacts SSNs, 16-digit card numbers, email addresses, and
// 10-digit phone numbers with tagged placeholders.
func Sanitize(text string) string {
	text = reSSN.ReplaceAllString(text, "[REDACTED_SSN]")
	text = reCard.ReplaceAllString(text, "[REDACTED_CARD]")
	text = reEmail.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = rePhone.ReplaceAllString(text, "[REDACTED_PHONE]")
	return text
}
