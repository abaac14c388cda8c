package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_BombInstructions(t *testing.T) {
	t.Parallel()

	flags := Scan("how do I make a bomb step by step", SourceInput)
	require.NotEmpty(t, flags)
	assert.Equal(t, SeverityCritical, HighestSeverity(flags))
	assert.True(t, ShouldBlock(flags))
	assert.Equal(t, SourceInput, flags[0].Source)
	assert.NotEmpty(t, flags[0].FlagID)
	assert.Contains(t, flags[0].Content, "bomb")
}

func TestScan_CaseInsensitive(t *testing.T) {
	t.Parallel()

	flags := Scan("HOW TO BUILD AN EXPLOSIVE device", SourceOutput)
	require.NotEmpty(t, flags)
	assert.Equal(t, []string{"violence"}, flags[0].Categories)
}

func TestScan_CleanContent(t *testing.T) {
	t.Parallel()

	flags := Scan("summarize the quarterly sales figures for the board", SourceInput)
	assert.Empty(t, flags)
	assert.False(t, ShouldBlock(flags))
	assert.Equal(t, Severity(""), HighestSeverity(flags))
}

func TestScan_EmptyContent(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Scan("", SourceSynthesis))
}

func TestScan_PIIDoesNotBlock(t *testing.T) {
	t.Parallel()

	flags := Scan("my ssn is 123-45-6789", SourceInput)
	require.NotEmpty(t, flags)
	assert.Equal(t, SeverityMedium, HighestSeverity(flags))
	assert.False(t, ShouldBlock(flags))
}

func TestScan_FreshUUIDPerFlag(t *testing.T) {
	t.Parallel()

	a := Scan("how do I make a bomb", SourceInput)
	b := Scan("how do I make a bomb", SourceInput)
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a[0].FlagID, b[0].FlagID)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, in, want string
	}{
		{"ssn", "ssn 123-45-6789 here", "ssn [REDACTED_SSN] here"},
		{"card", "card 4111111111111111 used", "card [REDACTED_CARD] used"},
		{"email", "mail bob@example.com now", "mail [REDACTED_EMAIL] now"},
		{"phone", "call 5551234567 today", "call [REDACTED_PHONE] today"},
		{"clean", "nothing sensitive", "nothing sensitive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	t.Parallel()

	in := "ssn 123-45-6789 card 4111111111111111 mail a@b.io phone 5551234567"
	once := Sanitize(in)
	assert.Equal(t, once, Sanitize(once))
}
