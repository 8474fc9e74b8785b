package identify

import (
	"strings"
	"unicode"
)

// minNGramChars drops n-grams made only of short filler words.
const minNGramChars = 12

// maxChunkChars splits long candidate lines so one reflowed paragraph does
// not sink a whole line's coverage.
const maxChunkChars = 80

func trimWord(w string) string {
	return strings.TrimFunc(strings.ToLower(w), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Words case-folds s and trims punctuation at word boundaries. Tokens that
// are all punctuation are dropped.
func Words(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if w := trimWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Normalize is Words joined by single spaces.
func Normalize(s string) string {
	return strings.Join(Words(s), " ")
}

// NGrams derives overlapping size-word windows from the last recentLines
// lines of screen. Windows are taken newest first so the cap keeps the most
// recent output.
func NGrams(screen string, size, max, recentLines int) []string {
	if size <= 0 || max <= 0 {
		return nil
	}
	lines := strings.Split(screen, "\n")
	var recent []string
	for i := len(lines) - 1; i >= 0 && len(recent) < recentLines; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			recent = append(recent, lines[i])
		}
	}
	for l, r := 0, len(recent)-1; l < r; l, r = l+1, r-1 {
		recent[l], recent[r] = recent[r], recent[l]
	}

	words := Words(strings.Join(recent, "\n"))
	seen := make(map[string]bool)
	var out []string
	for i := len(words) - size; i >= 0 && len(out) < max; i-- {
		ng := strings.Join(words[i:i+size], " ")
		if len(ng) < minNGramChars || seen[ng] {
			continue
		}
		seen[ng] = true
		out = append(out, ng)
	}
	return out
}

// CountMatches returns how many n-grams occur in normalized text.
func CountMatches(ngrams []string, text string) int {
	n := 0
	for _, ng := range ngrams {
		if strings.Contains(text, ng) {
			n++
		}
	}
	return n
}

// Chunks splits candidate text into normalized pieces of at least minChars
// characters, breaking long lines at word boundaries.
func Chunks(text string, minChars int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		words := Words(line)
		var cur strings.Builder
		flush := func() {
			if cur.Len() >= minChars {
				out = append(out, cur.String())
			}
			cur.Reset()
		}
		for _, w := range words {
			if cur.Len() > 0 && cur.Len()+1+len(w) > maxChunkChars {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(w)
		}
		flush()
	}
	return out
}

// Coverage marks every screen position covered by an occurrence of any
// chunk and returns covered/total. screen must be normalized.
func Coverage(screen string, chunks []string) float64 {
	if len(screen) == 0 {
		return 0
	}
	covered := make([]bool, len(screen))
	for _, c := range chunks {
		if c == "" {
			continue
		}
		for from := 0; from < len(screen); {
			i := strings.Index(screen[from:], c)
			if i < 0 {
				break
			}
			start := from + i
			for j := start; j < start+len(c); j++ {
				covered[j] = true
			}
			from = start + 1
		}
	}
	n := 0
	for _, c := range covered {
		if c {
			n++
		}
	}
	return float64(n) / float64(len(screen))
}
