package tiering

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SimpleTaskPattern(t *testing.T) {
	t.Parallel()

	c := Classify("clean spelling")
	assert.Equal(t, TierTask, c.Tier)
	assert.Equal(t, 0.95, c.Confidence)
	assert.Equal(t, HandlerTextCleaner, c.LocalHandler)
}

func TestClassify_ShortInputIsTask(t *testing.T) {
	t.Parallel()

	c := Classify("hello there")
	assert.Equal(t, TierTask, c.Tier)
	assert.Equal(t, 0.7, c.Confidence)
	assert.Empty(t, c.LocalHandler)
}

func TestClassify_TwoIndicatorsIsMission(t *testing.T) {
	t.Parallel()

	c := Classify("analyze the market and design a rollout approach")
	assert.Equal(t, TierMission, c.Tier)
	assert.Equal(t, 0.9, c.Confidence)
}

func TestClassify_OneIndicatorLongInput(t *testing.T) {
	t.Parallel()

	c := Classify("please analyze the impact of the recent pricing change on our enterprise customers over the last two quarters in detail")
	assert.Equal(t, TierMission, c.Tier)
	assert.Equal(t, 0.8, c.Confidence)
}

func TestClassify_LongFormWithoutIndicators(t *testing.T) {
	t.Parallel()

	c := Classify("tell me a long and winding story about a lighthouse keeper who finds a message in a bottle on the shore")
	assert.Equal(t, TierMission, c.Tier)
	assert.Equal(t, 0.75, c.Confidence)
}

func TestClassify_FallbackIsTask(t *testing.T) {
	t.Parallel()

	// 5+ words but under both length thresholds, no indicators.
	c := Classify("what is the answer here friend")
	assert.Equal(t, TierTask, c.Tier)
	assert.Equal(t, 0.6, c.Confidence)
}

func TestClassify_Pure(t *testing.T) {
	t.Parallel()

	in := "analyze and compare the two database engines"
	assert.Equal(t, Classify(in), Classify(in))
}

func TestApplyHandler_Identity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "clean spelling", ApplyHandler("unknownHandler", "clean spelling", ""))
	assert.Equal(t, "payload", ApplyHandler("listTransformer", "sort the words", "payload"))
}

func TestApplyHandler_TextCleaner(t *testing.T) {
	t.Parallel()

	got := ApplyHandler(HandlerTextCleaner, "clean text", "  “hello”   ‘world’  ")
	assert.Equal(t, `"hello" 'world'`, got)
}

func TestApplyHandler_Whitespace(t *testing.T) {
	t.Parallel()

	got := ApplyHandler(HandlerWhitespace, "collapse whitespace", "a \t b\n\n c ")
	assert.Equal(t, "a b c", got)
}

func TestApplyHandler_Case(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HELLO", ApplyHandler(HandlerCase, "make this uppercase", "hello"))
	assert.Equal(t, "hello", ApplyHandler(HandlerCase, "make this lowercase", "HELLO"))
	assert.Equal(t, "First. Second.", ApplyHandler(HandlerCase, "sentence case this", "first. second."))
}

func TestApplyHandler_Counter(t *testing.T) {
	t.Parallel()

	got := ApplyHandler(HandlerCounter, "count words", "one two\nthree")
	assert.Equal(t, "words: 3, characters: 13, lines: 2", got)
}

func TestApplyHandler_EmptyContentUsesMission(t *testing.T) {
	t.Parallel()

	got := ApplyHandler(HandlerTextCleaner, "clean spelling", "")
	assert.Equal(t, "clean spelling", got)
}

func TestClassify_MissionIndicatorPunctuation(t *testing.T) {
	t.Parallel()

	c := Classify("Analyze, then design: " + strings.Repeat("word ", 3))
	assert.Equal(t, TierMission, c.Tier)
}
