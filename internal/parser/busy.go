package parser

import (
	"strings"

	"github.com/Kewton/commandmate/internal/cli"
)

// spinnerChars are the animation frames the CLI tools draw while working.
// Any one of them on a trailing line means the turn is still in flight.
var spinnerChars = []string{
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
	"✳", "✽", "✶", "✢", "·", "∗",
}

// busyPhrases lists per-tool substrings that only appear while a turn is
// running. Matched case-insensitively against the trailing lines of a
// stripped capture.
var busyPhrases = map[cli.Tool][]string{
	cli.ToolClaude: {
		"esc to interrupt",
		"ctrl+c to interrupt",
		"tokens",
	},
	cli.ToolCodex: {
		"esc to interrupt",
		"ctrl+c to interrupt",
		"press esc to interrupt",
	},
	cli.ToolGemini: {
		"esc to cancel",
		"ctrl+c to cancel",
	},
}

// IsStillRunning reports whether the pane shows an in-progress turn for the
// given tool. Only the trailing lines are consulted: the status strip always
// renders at the bottom, and older output may legitimately quote the same
// phrases.
func IsStillRunning(tool cli.Tool, content string) bool {
	stripped := StripANSI(content)
	tail := lastNonEmptyLines(stripped, 6)

	phrases := busyPhrases[tool]
	for _, line := range tail {
		lower := strings.ToLower(line)
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				return true
			}
		}
		for _, s := range spinnerChars {
			if strings.Contains(line, s+" ") || strings.HasPrefix(strings.TrimSpace(line), s) {
				return true
			}
		}
	}
	return false
}
