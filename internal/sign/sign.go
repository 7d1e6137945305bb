package sign

import (
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/kiln/internal/cache"
	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

// missingFileMarker is mixed into a signature in place of metadata when the
// input does not exist, so presence/absence flips the signature.
const missingFileMarker = int64(-1)

// Signer folds file state into input signatures. Depending on the file's
// extension a signature is either the modification timestamp (cheap) or the
// content digest (stable across touch-without-change).
type Signer struct {
	stats       *cache.StatCache
	digests     *cache.DigestCache
	contentExts map[string]struct{}
}

// NewSigner builds a signer over the given caches. contentExtensions lists
// extensions (with leading dot) that sign by content digest.
func NewSigner(stats *cache.StatCache, digests *cache.DigestCache, contentExtensions []string) *Signer {
	exts := make(map[string]struct{}, len(contentExtensions))
	for _, e := range contentExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Signer{stats: stats, digests: digests, contentExts: exts}
}

// UsesContentDigest reports whether path's extension is digest-signed.
func (s *Signer) UsesContentDigest(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := s.contentExts[ext]
	return ok
}

// SignFile mixes path's signature into h. forceTimestamp overrides the
// extension whitelist (nodes flagged to ban content digests for inputs).
// The result is deterministic for identical filesystem state.
func (s *Signer) SignFile(h *hash.State, path string, forceTimestamp bool) {
	if !forceTimestamp && s.UsesContentDigest(path) {
		s.signByDigest(h, path)
		return
	}
	s.signByTimestamp(h, path)
}

func (s *Signer) signByTimestamp(h *hash.State, path string) {
	info := s.stats.Stat(path)
	if !info.Exists {
		h.AddInt64(missingFileMarker)
		return
	}
	h.AddInt64(info.Timestamp)
}

func (s *Signer) signByDigest(h *hash.State, path string) {
	info := s.stats.Stat(path)
	if !info.Exists {
		h.AddInt64(missingFileMarker)
		return
	}

	digest, err := s.digests.DigestFor(path, info.Timestamp)
	if err != nil {
		// The file vanished or became unreadable between stat and read.
		h.AddString("<unreadable>")
		return
	}
	h.AddDigest(digest)
}
