package convlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	// FullParseLimit is the largest log parsed end to end.
	FullParseLimit = 8 * 1024 * 1024
	// TailBytes is how much of a larger log is read from the end.
	TailBytes = 2 * 1024 * 1024
	headBytes = 32 * 1024
)

type jsonlRecord struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Summary   string          `json:"summary"`
}

type jsonlMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseFile reads path into a Record. Logs above FullParseLimit are
// tail-read.
func ParseFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("convlog: open: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("convlog: stat: %w", err)
	}

	var (
		data    []byte
		partial bool
	)
	if fi.Size() > FullParseLimit {
		data, err = readTail(f, fi.Size(), TailBytes)
		partial = true
	} else {
		data, err = io.ReadAll(f)
	}
	if err != nil {
		return nil, fmt.Errorf("convlog: read: %w", err)
	}

	rec := Parse(data)
	rec.Path = path
	rec.ModTime = fi.ModTime()
	rec.Size = fi.Size()
	rec.Partial = partial
	if rec.SessionID == "" {
		rec.SessionID = SessionIDFromPath(path)
	}
	return rec, nil
}

// readTail returns the last n bytes, starting at the first full line.
func readTail(f *os.File, size, n int64) ([]byte, error) {
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, size-n); err != nil && err != io.EOF {
		return nil, err
	}
	if i := bytes.IndexByte(buf, '\n'); i >= 0 && n < size {
		buf = buf[i+1:]
	}
	return buf, nil
}

// Parse turns JSONL bytes into a Record. Malformed lines are skipped.
func Parse(data []byte) *Record {
	rec := &Record{}
	var text strings.Builder

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r jsonlRecord
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if rec.SessionID == "" {
			rec.SessionID = r.SessionID
		}
		if rec.CWD == "" {
			rec.CWD = r.CWD
		}
		if rec.Summary == "" && r.Summary != "" {
			rec.Summary = r.Summary
		}
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			if rec.FirstAt.IsZero() {
				rec.FirstAt = ts
			}
			rec.LastAt = ts
		}
		if len(r.Message) == 0 {
			continue
		}
		var msg jsonlMessage
		if err := json.Unmarshal(r.Message, &msg); err != nil {
			continue
		}
		content := extractContentText(msg.Content)
		if content == "" {
			continue
		}
		if rec.Summary == "" && msg.Role == "user" {
			rec.Summary = truncate(content, 200)
		}
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(content)
		rec.Messages++
	}
	rec.Text = text.String()
	return rec
}

// extractContentText accepts either a plain string or an array of content
// blocks and returns the concatenated text blocks.
func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// headTimestamp returns the first record timestamp within the head of the
// file, used when the filesystem reports no birth time.
func headTimestamp(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, headBytes))
	scanner.Buffer(make([]byte, 0, headBytes), headBytes)
	for scanner.Scan() {
		var r jsonlRecord
		if json.Unmarshal(scanner.Bytes(), &r) != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
