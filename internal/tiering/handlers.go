package tiering

import (
	"fmt"
	"strings"
	"unicode"
)

// Local handler ids assigned by the classifier.
const (
	HandlerTextCleaner = "textCleaner"
	HandlerWhitespace  = "whitespaceHandler"
	HandlerCase        = "caseTransformer"
	HandlerCounter     = "counter"
)

// curly-quote normalization table used by the text cleaner.
var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// ApplyHandler runs the named local handler over content. When content is
// empty the mission text itself is transformed. Unknown handlers are the
// identity transformation.
func ApplyHandler(handler, mission, content string) string {
	input := content
	if input == "" {
		input = mission
	}

	switch handler {
	case HandlerTextCleaner:
		return collapseWhitespace(quoteReplacer.Replace(input))
	case HandlerWhitespace:
		return strings.TrimSpace(collapseWhitespace(input))
	case HandlerCase:
		return transformCase(mission, input)
	case HandlerCounter:
		return countReport(input)
	default:
		return input
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// transformCase picks the direction from the mission wording; sentence
// case is the default.
func transformCase(mission, input string) string {
	lower := strings.ToLower(mission)
	switch {
	case strings.Contains(lower, "upper"):
		return strings.ToUpper(input)
	case strings.Contains(lower, "lower"):
		return strings.ToLower(input)
	default:
		return sentenceCase(input)
	}
}

func sentenceCase(s string) string {
	runes := []rune(strings.ToLower(s))
	capitalize := true
	for i, r := range runes {
		if capitalize && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			capitalize = false
		}
		if r == '.' || r == '!' || r == '?' {
			capitalize = true
		}
	}
	return string(runes)
}

func countReport(input string) string {
	words := len(strings.Fields(input))
	chars := len(input)
	lines := 0
	if input != "" {
		lines = strings.Count(input, "\n") + 1
	}
	return fmt.Sprintf("words: %d, characters: %d, lines: %d", words, chars, lines)
}
