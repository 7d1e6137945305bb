package cache

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

type digestEntry struct {
	Timestamp int64
	Digest    hash.Digest
}

// DigestCache memoizes content digests keyed by path. An entry is only
// valid while the file's timestamp matches the one recorded alongside the
// digest; persisted entries survive restarts so unchanged files are never
// re-read.
type DigestCache struct {
	mu      sync.Mutex
	entries map[string]digestEntry
	dirty   bool
}

// NewDigestCache returns an empty digest cache.
func NewDigestCache() *DigestCache {
	return &DigestCache{entries: make(map[string]digestEntry)}
}

// Get returns the digest recorded for path at the given timestamp.
func (c *DigestCache) Get(path string, timestamp int64) (hash.Digest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || entry.Timestamp != timestamp {
		return hash.Digest{}, false
	}
	return entry.Digest, true
}

// Set records the digest for path as of the given timestamp.
func (c *DigestCache) Set(path string, timestamp int64, digest hash.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = digestEntry{Timestamp: timestamp, Digest: digest}
	c.dirty = true
}

// DigestFor returns the content digest of path, computing and caching it
// when no valid entry exists.
func (c *DigestCache) DigestFor(path string, timestamp int64) (hash.Digest, error) {
	if d, ok := c.Get(path, timestamp); ok {
		return d, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return hash.Digest{}, err
	}
	defer f.Close()

	h := hash.New()
	buf := make([]byte, 64*1024)
	r := bufio.NewReader(f)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.AddBytes(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return hash.Digest{}, err
		}
	}

	d := h.Finalize()
	c.Set(path, timestamp, d)
	return d, nil
}

// HasChanged reports whether the file at path no longer matches the cached
// digest entry (used for change diagnostics, not correctness).
func (c *DigestCache) HasChanged(path string, timestamp int64) bool {
	c.mu.Lock()
	entry, ok := c.entries[path]
	c.mu.Unlock()
	return !ok || entry.Timestamp != timestamp
}

// Load replaces the cache contents from a previously saved file. A missing
// file is not an error; a corrupt one is reported as a ParseError. In both
// cases the current contents are kept.
func (c *DigestCache) Load(path string) error {
	entries := make(map[string]digestEntry)
	ok, err := loadFramed(path, &entries)
	if err != nil {
		return err
	}
	if ok {
		c.mu.Lock()
		c.entries = entries
		c.dirty = false
		c.mu.Unlock()
	}
	return nil
}

// Save persists the cache atomically if anything changed since Load.
func (c *DigestCache) Save(path, tmpPath string) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]digestEntry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if err := saveFramed(path, tmpPath, snapshot); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}
