package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the most recent log lines within a byte budget. Whole
// lines are evicted so a dump is always valid JSONL.
type RingBuffer struct {
	mu      sync.Mutex
	lines   [][]byte
	head    int
	used    int
	budget  int
	partial []byte
}

// NewRingBuffer creates a ring buffer holding at most budget bytes.
func NewRingBuffer(budget int) *RingBuffer {
	if budget <= 0 {
		budget = 4 * 1024 * 1024
	}
	return &RingBuffer{budget: budget}
}

// Write implements io.Writer. slog handlers write one line per call; a
// write without a trailing newline is held until the line completes.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	data := p
	if len(rb.partial) > 0 {
		data = append(rb.partial, p...)
		rb.partial = nil
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			rb.partial = append([]byte(nil), data...)
			break
		}
		rb.push(append([]byte(nil), data[:i+1]...))
		data = data[i+1:]
	}
	return len(p), nil
}

func (rb *RingBuffer) push(line []byte) {
	if len(line) > rb.budget {
		line = line[len(line)-rb.budget:]
	}
	rb.lines = append(rb.lines, line)
	rb.used += len(line)
	for rb.used > rb.budget && rb.head < len(rb.lines) {
		rb.used -= len(rb.lines[rb.head])
		rb.lines[rb.head] = nil
		rb.head++
	}
	// Compact once the evicted prefix dominates.
	if rb.head > 64 && rb.head*2 > len(rb.lines) {
		rb.lines = append([][]byte(nil), rb.lines[rb.head:]...)
		rb.head = 0
	}
}

// Len is the number of complete lines held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.lines) - rb.head
}

// Bytes returns the held lines oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, 0, rb.used)
	for _, line := range rb.lines[rb.head:] {
		out = append(out, line...)
	}
	return out
}

// DumpToFile writes the held lines to path via a temp file and rename.
func (rb *RingBuffer) DumpToFile(path string) error {
	data := rb.Bytes()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dump-*")
	if err != nil {
		return fmt.Errorf("logging: dump: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("logging: dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("logging: dump: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
