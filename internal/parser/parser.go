// Package parser converts raw tmux pane captures into classified output:
// new-content deltas, busy/idle state, and interactive prompt structure.
// Everything here is pure; the poller owns all state.
package parser

import (
	"regexp"
	"strings"
)

// Delta is the portion of terminal output newly appended since the last
// recorded line offset.
type Delta struct {
	// NewText is the content of the lines beyond the previous offset.
	NewText string

	// NewLineCount is the total line count of the capture. The caller stores
	// this as the next offset.
	NewLineCount int
}

// ComputeDelta splits raw on newlines and returns only the lines beyond
// lastLine. The offset is monotonic for growing buffers: if the capture has
// fewer lines than lastLine (scrollback cleared, session respawned), the
// offset is treated as stale and the whole capture is returned as new
// content rather than computing a negative-length slice.
func ComputeDelta(raw string, lastLine int) Delta {
	lines := strings.Split(raw, "\n")
	total := len(lines)

	if lastLine < 0 || lastLine > total {
		lastLine = 0
	}

	return Delta{
		NewText:      strings.Join(lines[lastLine:], "\n"),
		NewLineCount: total,
	}
}

// pastedTextRe matches the placeholder the CLI tools render in place of
// content the user pasted, e.g. "[Pasted text #1 +46 lines]".
var pastedTextRe = regexp.MustCompile(`^\s*\[Pasted text #\d+(?:\s+\+\d+ lines)?\]\s*$`)

// separatorRe matches decorative separator lines (box drawing, dashes) the
// tools print between turns.
var separatorRe = regexp.MustCompile(`^[\s─━═—=-]+$`)

// StripNoise removes pasted-content placeholders and trailing decorative
// separators so persisted message content matches what a user would consider
// the answer, not UI chrome.
func StripNoise(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if pastedTextRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}

	// Drop trailing separators and blank lines.
	for len(kept) > 0 {
		last := strings.TrimSpace(kept[len(kept)-1])
		if last == "" || (separatorRe.MatchString(last) && last != "") {
			kept = kept[:len(kept)-1]
			continue
		}
		break
	}

	return strings.Join(kept, "\n")
}

// LogReference is auxiliary metadata parsed out of a completion banner.
// It never drives control flow; it is attached to the persisted message.
type LogReference struct {
	LogFileName string
	RequestID   string
	Summary     string
}

// Anchor phrases for completion banner metadata. Fixed strings, matched
// case-sensitively at line start after trimming.
const (
	anchorLogFile   = "Log file:"
	anchorRequestID = "Request ID:"
	anchorSummary   = "Summary:"
)

// ExtractLogReference scans for the last occurrence of each anchor phrase
// and returns whatever metadata is present. All fields are optional.
func ExtractLogReference(text string) LogReference {
	var ref LogReference
	for _, line := range strings.Split(StripANSI(text), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, anchorLogFile):
			ref.LogFileName = strings.TrimSpace(strings.TrimPrefix(trimmed, anchorLogFile))
		case strings.HasPrefix(trimmed, anchorRequestID):
			ref.RequestID = strings.TrimSpace(strings.TrimPrefix(trimmed, anchorRequestID))
		case strings.HasPrefix(trimmed, anchorSummary):
			ref.Summary = strings.TrimSpace(strings.TrimPrefix(trimmed, anchorSummary))
		}
	}
	return ref
}

// lastNonEmptyLines returns up to n trailing non-blank lines in order.
func lastNonEmptyLines(content string, n int) []string {
	lines := strings.Split(content, "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append([]string{lines[i]}, out...)
		}
	}
	return out
}

// isDecorLine reports whether a line is purely decorative framing, borders
// or rules with no content.
func isDecorLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		switch r {
		case '─', '━', '═', '┄', '╌', '┌', '┐', '└', '┘', '├', '┤', '┬', '┴', '┼',
			'╭', '╰', '╮', '╯', '│', '┃', '-', '=', ' ', '\t':
		default:
			return false
		}
	}
	return true
}
