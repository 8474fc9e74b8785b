package tmux

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// StripANSI removes CSI, OSC and other escape sequences.
func StripANSI(s string) string {
	if strings.IndexByte(s, '\x1b') < 0 && strings.IndexByte(s, '\x9b') < 0 {
		return s
	}
	return ansi.Strip(s)
}

// isDecoration reports runes that only draw UI chrome: box drawing, block
// elements, braille spinners and the bullets Claude prefixes turns with.
func isDecoration(r rune) bool {
	switch {
	case r >= 0x2500 && r <= 0x259F: // box drawing + block elements
		return true
	case r >= 0x2800 && r <= 0x28FF: // braille patterns
		return true
	case r >= 0x23BA && r <= 0x23FF: // scan lines, ⏺ ⏵ ⏸
		return true
	}
	switch r {
	case '●', '○', '◐', '◓', '◑', '◒', '✻', '✳', '✽', '✶', '✢', '·', '⎿', '↳', '❯', '›':
		return true
	}
	return false
}

// Clean turns a raw pane capture into plain text: escape sequences,
// control characters and decorative glyphs are removed and trailing
// whitespace is trimmed per line.
func Clean(raw string) string {
	s := StripANSI(raw)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return -1
		}
		if unicode.IsControl(r) || isDecoration(r) {
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// VisibleChars counts non-whitespace runes in cleaned text.
func VisibleChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
