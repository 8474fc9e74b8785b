// Package convlog is the read side of Claude conversation logs: locating a
// project's logs, parsing them into searchable text and caching the result.
package convlog

import (
	"context"
	"errors"
	"time"
)

// ErrNoMatch is returned when an identifier query matches no log.
var ErrNoMatch = errors.New("no conversation log matches")

// ErrAmbiguous is returned when an identifier query matches several logs.
var ErrAmbiguous = errors.New("identifier matches several conversation logs")

// Record is the structured, text-bearing view of one log file.
type Record struct {
	Path      string    `json:"path"`
	SessionID string    `json:"session_id"`
	CWD       string    `json:"cwd,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Text      string    `json:"-"`
	Messages  int       `json:"messages"`
	FirstAt   time.Time `json:"first_at,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
	// Partial is set when only the tail of a large log was parsed.
	Partial bool `json:"partial,omitempty"`
}

// Cache is the conversation-log read contract. GetCachedStructuredData
// never parses; GetStructuredData may.
type Cache interface {
	GetCachedStructuredData(path string) (*Record, bool)
	GetStructuredData(ctx context.Context, path string) (*Record, error)
}

// LogFile is one candidate log on disk.
type LogFile struct {
	Path      string    `json:"path"`
	SessionID string    `json:"session_id"`
	ModTime   time.Time `json:"mod_time"`
	BirthTime time.Time `json:"birth_time"`
	Size      int64     `json:"size"`
}

// Lister enumerates a project's logs.
type Lister interface {
	ListLogs(projectPath string) ([]LogFile, error)
}
