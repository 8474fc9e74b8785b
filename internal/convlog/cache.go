package convlog

import (
	"context"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/ttydeck/internal/logging"
)

var convLog = logging.ForComponent(logging.CompIdentify)

// DefaultCacheSize bounds the number of parsed logs kept in memory.
const DefaultCacheSize = 256

// LRUCache is a bounded Cache. An entry is served only while the file's
// modification time and size are unchanged.
type LRUCache struct {
	entries *lru.Cache[string, *Record]
	sf      singleflight.Group
}

var _ Cache = (*LRUCache)(nil)

// NewLRUCache returns a cache holding at most size parsed logs.
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *Record](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &LRUCache{entries: entries}
}

// GetCachedStructuredData returns the cached record for path if it is
// still current. It never parses.
func (c *LRUCache) GetCachedStructuredData(path string) (*Record, bool) {
	rec, ok := c.entries.Get(path)
	if !ok {
		return nil, false
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.ModTime().Equal(rec.ModTime) || fi.Size() != rec.Size {
		c.entries.Remove(path)
		return nil, false
	}
	return rec, true
}

// GetStructuredData returns the current record for path, parsing on a miss.
// Concurrent misses for one path share a single parse.
func (c *LRUCache) GetStructuredData(ctx context.Context, path string) (*Record, error) {
	if rec, ok := c.GetCachedStructuredData(path); ok {
		return rec, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := c.sf.Do(path, func() (interface{}, error) {
		rec, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		c.entries.Add(path, rec)
		convLog.Debug("log_parsed",
			slog.String("path", path),
			slog.Int("messages", rec.Messages),
			slog.Bool("partial", rec.Partial))
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

// Len reports the number of cached records.
func (c *LRUCache) Len() int {
	return c.entries.Len()
}
