package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
)

const defaultTableWidth = 120

// terminalWidth is the stdout width, or a default when stdout is not a tty.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultTableWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return defaultTableWidth
	}
	return w
}

// table renders left-aligned columns. The last column takes whatever width
// is left and is truncated to fit.
type table struct {
	headers []string
	rows    [][]string
	width   int
}

func newTable(headers ...string) *table {
	return &table{headers: headers, width: terminalWidth()}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) String() string {
	n := len(t.headers)
	widths := make([]int, n)
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i := 0; i < n && i < len(row); i++ {
			if w := runewidth.StringWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	used := 0
	for i := 0; i < n-1; i++ {
		used += widths[i] + 2
	}
	if last := t.width - used; n > 0 && last > 8 && widths[n-1] > last {
		widths[n-1] = last
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(t.line(t.headers, widths)))
	b.WriteByte('\n')
	for _, row := range t.rows {
		b.WriteString(t.line(row, widths))
		b.WriteByte('\n')
	}
	return b.String()
}

func (t *table) line(cells []string, widths []int) string {
	parts := make([]string, len(widths))
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = truncate(cells[i], widths[i])
		}
		if i < len(widths)-1 {
			cell = runewidth.FillRight(cell, widths[i])
		}
		parts[i] = cell
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}
