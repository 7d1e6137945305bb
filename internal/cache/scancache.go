package cache

import (
	"sync"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

type scanEntry struct {
	Timestamp int64
	Includes  []string
}

// ScanKey derives the cache key for scanning one file with one scanner
// configuration.
func ScanKey(scannerGUID hash.Digest, path string) hash.Digest {
	h := hash.New()
	h.AddDigest(scannerGUID)
	h.AddSeparator()
	h.AddPath(path)
	return h.Finalize()
}

// ScanCache memoizes scanner results keyed by (scanner, file) digest. An
// entry is valid while the scanned file's timestamp is unchanged. New
// entries mark the cache dirty; Save is a no-op on a clean cache.
type ScanCache struct {
	mu      sync.Mutex
	entries map[hash.Digest]scanEntry
	dirty   bool
}

// NewScanCache returns an empty scan cache.
func NewScanCache() *ScanCache {
	return &ScanCache{entries: make(map[hash.Digest]scanEntry)}
}

// Get returns the cached include list for key at the given timestamp.
func (c *ScanCache) Get(key hash.Digest, timestamp int64) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.Timestamp != timestamp {
		return nil, false
	}
	return entry.Includes, true
}

// Set records the include list for key as of the given timestamp.
func (c *ScanCache) Set(key hash.Digest, timestamp int64, includes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = scanEntry{Timestamp: timestamp, Includes: includes}
	c.dirty = true
}

// Load replaces the cache contents from a previously saved file.
func (c *ScanCache) Load(path string) error {
	entries := make(map[hash.Digest]scanEntry)
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
func (c *ScanCache) Save(path, tmpPath string) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[hash.Digest]scanEntry, len(c.entries))
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
