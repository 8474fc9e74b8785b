package convlog

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

type logSource []LogFile

func (s logSource) String(i int) string { return s[i].SessionID }
func (s logSource) Len() int            { return len(s) }

// Resolve picks the log a user meant by query: an exact id, then a unique
// id prefix, then the single best fuzzy match.
func Resolve(logs []LogFile, query string) (LogFile, error) {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return LogFile{}, ErrNoMatch
	}

	var prefixed []LogFile
	for _, l := range logs {
		if l.SessionID == query {
			return l, nil
		}
		if strings.HasPrefix(l.SessionID, query) {
			prefixed = append(prefixed, l)
		}
	}
	switch len(prefixed) {
	case 1:
		return prefixed[0], nil
	case 0:
	default:
		return LogFile{}, fmt.Errorf("%w: %d ids start with %q", ErrAmbiguous, len(prefixed), query)
	}

	matches := fuzzy.FindFrom(query, logSource(logs))
	if len(matches) == 0 {
		return LogFile{}, fmt.Errorf("%w: %q", ErrNoMatch, query)
	}
	if len(matches) > 1 && matches[0].Score == matches[1].Score {
		return LogFile{}, fmt.Errorf("%w: %q", ErrAmbiguous, query)
	}
	return logs[matches[0].Index], nil
}
