package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Hello there.", "Hello there."},
		{"empty stays empty", "", ""},
		{
			"thinking tags stripped",
			"<think>internal reasoning</think>The answer is 4.",
			"The answer is 4.",
		},
		{
			"thinking tags across lines",
			"<thinking>\nstep 1\nstep 2\n</thinking>\nDone.",
			"Done.",
		},
		{
			"thought tags stripped",
			"Before <thought>hmm</thought> after",
			"Before  after",
		},
		{
			"media path lines removed",
			"Here is the chart.\nMEDIA:/tmp/chart.png\nLet me know.",
			"Here is the chart.\nLet me know.",
		},
		{
			"voice marker removed",
			"[[audio_as_voice]]\nSpoken reply here.",
			"Spoken reply here.",
		},
		{
			"duplicate paragraphs collapsed",
			"Same paragraph.\n\nSame paragraph.\n\nDifferent one.",
			"Same paragraph.\n\nDifferent one.",
		},
		{
			"leading blank lines stripped",
			"\n\n  indented start",
			"indented start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"exact token", "NO_REPLY", true},
		{"token with whitespace", "  NO_REPLY\n", true},
		{"token with trailing punctuation", "NO_REPLY.", true},
		{"token at end", "Understood. NO_REPLY", true},
		{"empty", "", false},
		{"token inside a word", "NO_REPLYING to that", false},
		{"mentions the token mid-sentence", "I can send NO_REPLY when idle, right?", false},
		{"regular answer", "Sure, here you go.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSilentReply(tt.in); got != tt.want {
				t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
