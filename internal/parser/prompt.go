package parser

import (
	"regexp"
	"strings"

	"github.com/Kewton/commandmate/internal/cli"
)

// PromptType discriminates the interactive prompt shapes the CLI tools
// render when they need user input.
type PromptType string

const (
	PromptYesNo          PromptType = "yes_no"
	PromptMultipleChoice PromptType = "multiple_choice"
)

// PromptStatus tracks the lifecycle of a detected prompt.
type PromptStatus string

const (
	PromptPending  PromptStatus = "pending"
	PromptAnswered PromptStatus = "answered"
	PromptExpired  PromptStatus = "expired"
)

// PromptOption is one selectable entry of a multiple-choice prompt.
type PromptOption struct {
	Number            int    `json:"number"`
	Label             string `json:"label"`
	IsDefault         bool   `json:"isDefault"`
	RequiresTextInput bool   `json:"requiresTextInput"`
}

// PromptData describes an interactive prompt waiting for input. Type is the
// discriminator: Options is populated only for multiple_choice.
type PromptData struct {
	Type     PromptType     `json:"type"`
	Question string         `json:"question"`
	Options  []PromptOption `json:"options,omitempty"`
	Status   PromptStatus   `json:"status"`
}

// Key returns the dedup identity of a prompt: same type and question means
// the same pending decision, regardless of how often it is re-rendered.
func (p *PromptData) Key() string {
	return string(p.Type) + ":" + p.Question
}

// optionLineRe matches a numbered choice line, with or without a selection
// marker, e.g. "❯ 1. Yes" or "  2. No, and tell me what to do differently".
var optionLineRe = regexp.MustCompile(`^\s*(❯)?\s*(\d+)[.)]\s+(.*\S)\s*$`)

// yesNoLineRe matches inline confirmation forms like "Continue? (y/n)" or
// "Proceed? [Y/n]".
var yesNoLineRe = regexp.MustCompile(`(?i)^\s*(.*\S)\s*[\[(]\s*y(?:es)?\s*/\s*n(?:o)?\s*[\])]\s*$`)

// textInputHints mark options that open a free-text entry rather than
// completing the prompt, e.g. "tell Claude what to do differently".
var textInputHints = []string{
	"tell claude what to do",
	"tell codex what to do",
	"tell gemini what to do",
	"tell me what to do",
	"type a custom",
	"provide feedback",
	"edit the",
}

// questionHints identify a line above the options as the question being
// asked rather than ordinary output.
var questionHints = []string{
	"?",
	"do you want",
	"would you like",
	"allow",
	"permission",
	"proceed",
	"apply this",
	"continue",
	"trust",
}

// DetectPrompt scans a stripped capture for an interactive prompt. Only the
// last prompt-shaped block in the buffer counts: earlier blocks are already
// answered or superseded output. Returns nil when no prompt is pending, and
// deliberately returns nil on anything ambiguous rather than guessing.
func DetectPrompt(tool cli.Tool, content string) *PromptData {
	stripped := normalizeSpaces(StripANSI(content))
	if IsStillRunning(tool, stripped) {
		return nil
	}

	lines := strings.Split(stripped, "\n")

	if p := detectChoiceBlock(lines); p != nil {
		return p
	}
	return detectYesNoLine(lines)
}

// detectChoiceBlock finds the last run of consecutive numbered option lines
// near the bottom of the buffer and classifies it.
func detectChoiceBlock(lines []string) *PromptData {
	// Find the last option line, then extend the block upward.
	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		s := stripBorders(lines[i])
		if strings.TrimSpace(s) == "" || isDecorLine(s) {
			continue
		}
		if optionLineRe.MatchString(s) {
			end = i
			break
		}
		// A content line below the options means the block already scrolled
		// past; nothing is pending.
		return nil
	}
	if end == -1 {
		return nil
	}

	start := end
	for start-1 >= 0 {
		prev := stripBorders(lines[start-1])
		if optionLineRe.MatchString(prev) || strings.TrimSpace(prev) == "" || isDecorLine(prev) {
			start--
			continue
		}
		break
	}

	var opts []PromptOption
	for i := start; i <= end; i++ {
		m := optionLineRe.FindStringSubmatch(stripBorders(lines[i]))
		if m == nil {
			continue
		}
		label := strings.TrimSpace(m[3])
		opt := PromptOption{
			Number:    atoiSafe(m[2]),
			Label:     label,
			IsDefault: m[1] == "❯",
		}
		lower := strings.ToLower(label)
		for _, h := range textInputHints {
			if strings.Contains(lower, h) {
				opt.RequiresTextInput = true
				break
			}
		}
		opts = append(opts, opt)
	}

	// One numbered line alone is far more likely an ordered list than a
	// prompt. Require at least two options and sequential numbering from 1.
	if len(opts) < 2 || opts[0].Number != 1 {
		return nil
	}
	for i := 1; i < len(opts); i++ {
		if opts[i].Number != opts[i-1].Number+1 {
			return nil
		}
	}

	question := findQuestion(lines, start)
	if question == "" {
		return nil
	}

	if isYesNoOptions(opts) {
		return &PromptData{
			Type:     PromptYesNo,
			Question: question,
			Options:  opts,
			Status:   PromptPending,
		}
	}
	return &PromptData{
		Type:     PromptMultipleChoice,
		Question: question,
		Options:  opts,
		Status:   PromptPending,
	}
}

// isYesNoOptions reports whether a choice block is really a binary yes/no
// decision rendered as two numbered options. Blocks with three or more
// options (e.g. "Yes / Yes, don't ask again / No, ...") stay multiple_choice
// so answering can target a specific entry.
func isYesNoOptions(opts []PromptOption) bool {
	if len(opts) != 2 || opts[0].RequiresTextInput || opts[1].RequiresTextInput {
		return false
	}
	return strings.HasPrefix(strings.ToLower(opts[0].Label), "yes") &&
		strings.HasPrefix(strings.ToLower(opts[1].Label), "no")
}

// findQuestion walks upward from the option block looking for the question
// line. Blank lines and borders are skipped; the first content line must
// look like a question or the block is not treated as a prompt.
func findQuestion(lines []string, start int) string {
	for i := start - 1; i >= 0 && i >= start-8; i-- {
		trimmed := strings.TrimSpace(stripBorders(lines[i]))
		if trimmed == "" || isDecorLine(trimmed) {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, h := range questionHints {
			if strings.Contains(lower, h) {
				return trimmed
			}
		}
		// First non-blank line above the options did not look like a
		// question; stay conservative.
		return ""
	}
	return ""
}

// detectYesNoLine handles inline "(y/n)" confirmations without an option
// list. Only the last non-blank line counts.
func detectYesNoLine(lines []string) *PromptData {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(stripBorders(lines[i]))
		if trimmed == "" || isDecorLine(trimmed) {
			continue
		}
		m := yesNoLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			return nil
		}
		return &PromptData{
			Type:     PromptYesNo,
			Question: strings.TrimSpace(m[1]),
			Status:   PromptPending,
		}
	}
	return nil
}

// stripBorders removes box-drawing borders from both ends of a line so
// prompts rendered inside a frame still match.
func stripBorders(line string) string {
	return strings.Trim(line, "│┃ \t")
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
