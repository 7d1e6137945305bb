package cache

import (
	"os"
	"sync"
)

// FileInfo is the memoized result of a stat call.
type FileInfo struct {
	Exists    bool
	IsDir     bool
	Timestamp int64
	Size      int64
}

// StatCache memoizes file metadata for the duration of one build. Entries
// must be marked dirty after the build writes to a path, or consumers of
// that path would sign against stale metadata.
type StatCache struct {
	mu      sync.RWMutex
	entries map[string]FileInfo
}

// NewStatCache returns an empty stat cache.
func NewStatCache() *StatCache {
	return &StatCache{entries: make(map[string]FileInfo)}
}

// Stat returns cached metadata for path, querying the filesystem on the
// first call.
func (c *StatCache) Stat(path string) FileInfo {
	c.mu.RLock()
	info, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return info
	}

	info = statFile(path)

	c.mu.Lock()
	c.entries[path] = info
	c.mu.Unlock()
	return info
}

// MarkDirty drops the entry for path so the next Stat re-queries the
// filesystem.
func (c *StatCache) MarkDirty(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

func statFile(path string) FileInfo {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}
	}
	return FileInfo{
		Exists:    true,
		IsDir:     st.IsDir(),
		Timestamp: st.ModTime().UnixNano(),
		Size:      st.Size(),
	}
}
