package parser

import "strings"

// StripANSI removes ANSI escape codes from captured pane content using a
// single-pass O(n) scan. Terminal output from the CLI tools is dense with
// color and cursor-positioning sequences; everything downstream (prompt
// detection, delta persistence) works on the stripped form.
//
// Regex is intentionally avoided here: complex ANSI patterns backtrack badly
// on malformed escape sequences, and captures can be hundreds of KB.
func StripANSI(content string) string {
	// Fast path: no ESC (0x1b) and no 8-bit CSI (0x9b) means nothing to strip.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9B') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			// CSI sequence: ESC [ ... terminated by a letter
			if i+1 < len(content) && content[i+1] == '[' {
				j := i + 2
				for j < len(content) {
					c := content[j]
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						j++
						break
					}
					j++
				}
				i = j
				continue
			}
			// OSC sequence: ESC ] ... terminated by BEL or ST (ESC \)
			if i+1 < len(content) && content[i+1] == ']' {
				if bellPos := strings.Index(content[i:], "\x07"); bellPos != -1 {
					i += bellPos + 1
					continue
				}
				if stPos := strings.Index(content[i:], "\x1b\\"); stPos != -1 {
					i += stPos + 2
					continue
				}
			}
			// Other escape: ESC followed by a single char
			if i+1 < len(content) {
				i += 2
				continue
			}
		}
		// 8-bit CSI without ESC
		if content[i] == '\x9B' {
			j := i + 1
			for j < len(content) {
				c := content[j]
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					j++
					break
				}
				j++
			}
			i = j
			continue
		}
		b.WriteByte(content[i])
		i++
	}

	return b.String()
}

// normalizeSpaces converts non-breaking spaces to regular spaces. The CLI
// tools pad prompt lines with U+00A0, which breaks plain string matching.
func normalizeSpaces(s string) string {
	return strings.ReplaceAll(s, " ", " ")
}
