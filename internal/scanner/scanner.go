package scanner

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexisbeaulieu97/kiln/internal/cache"
	"github.com/alexisbeaulieu97/kiln/internal/dag"
)

// Adapter runs implicit-dependency scanners over input files. It is safe
// for concurrent use from multiple worker threads; per-file results are
// memoized in the scan cache keyed by scanner GUID and file timestamp.
type Adapter struct {
	stats *cache.StatCache
	scans *cache.ScanCache
}

// NewAdapter builds a scanner adapter over the shared caches.
func NewAdapter(stats *cache.StatCache, scans *cache.ScanCache) *Adapter {
	return &Adapter{stats: stats, scans: scans}
}

// Scan returns every file transitively included by root, deduplicated and
// in sorted order so signature folding is stable. Includes that cannot be
// resolved to an existing file are dropped; root itself is not returned.
func (a *Adapter) Scan(cfg *dag.ScannerData, root string) ([]string, error) {
	seen := map[string]struct{}{root: {}}
	frontier := []string{root}
	var found []string

	for len(frontier) > 0 {
		file := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		includes, err := a.scanOne(cfg, file)
		if err != nil {
			return nil, err
		}
		for _, inc := range includes {
			if _, ok := seen[inc]; ok {
				continue
			}
			seen[inc] = struct{}{}
			found = append(found, inc)
			frontier = append(frontier, inc)
		}
	}

	sort.Strings(found)
	return found, nil
}

// scanOne returns the directly included files of one file, resolved to
// existing paths, consulting the scan cache first.
func (a *Adapter) scanOne(cfg *dag.ScannerData, file string) ([]string, error) {
	info := a.stats.Stat(file)
	if !info.Exists || info.IsDir {
		return nil, nil
	}

	key := cache.ScanKey(cfg.GUID, file)
	if includes, ok := a.scans.Get(key, info.Timestamp); ok {
		return includes, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var refs []includeRef
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch cfg.Kind {
		case dag.ScannerInclude:
			if ref, ok := parseIncludeLine(line); ok {
				refs = append(refs, ref)
			}
		case dag.ScannerGeneric:
			if ref, ok := parseKeywordLine(line, cfg.Keywords); ok {
				refs = append(refs, ref)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var resolved []string
	baseDir := filepath.Dir(file)
	for _, ref := range refs {
		if path, ok := a.resolve(ref, baseDir, cfg.IncludePaths); ok {
			resolved = append(resolved, path)
		}
	}

	a.scans.Set(key, info.Timestamp, resolved)
	return resolved, nil
}

type includeRef struct {
	path string
	// relativeFirst means the including file's directory is searched before
	// the configured include paths (quoted includes).
	relativeFirst bool
}

// parseIncludeLine recognizes `#include "x"` and `#include <x>` with
// arbitrary leading whitespace and whitespace after the hash.
func parseIncludeLine(line string) (includeRef, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "#") {
		return includeRef{}, false
	}
	s = strings.TrimSpace(s[1:])
	if !strings.HasPrefix(s, "include") {
		return includeRef{}, false
	}
	s = strings.TrimSpace(s[len("include"):])
	if len(s) < 2 {
		return includeRef{}, false
	}

	switch s[0] {
	case '"':
		end := strings.IndexByte(s[1:], '"')
		if end <= 0 {
			return includeRef{}, false
		}
		return includeRef{path: s[1 : 1+end], relativeFirst: true}, true
	case '<':
		end := strings.IndexByte(s[1:], '>')
		if end <= 0 {
			return includeRef{}, false
		}
		return includeRef{path: s[1 : 1+end]}, true
	}
	return includeRef{}, false
}

// parseKeywordLine recognizes `<keyword> <path>` lines for the generic
// scanner; the path token may be quoted.
func parseKeywordLine(line string, keywords []string) (includeRef, bool) {
	s := strings.TrimSpace(line)
	for _, kw := range keywords {
		if !strings.HasPrefix(s, kw) {
			continue
		}
		rest := s[len(kw):]
		if rest == "" || !isSpace(rest[0]) {
			continue
		}
		token := strings.TrimSpace(rest)
		token = strings.Trim(token, `"'`)
		if token == "" {
			continue
		}
		return includeRef{path: token, relativeFirst: true}, true
	}
	return includeRef{}, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func (a *Adapter) resolve(ref includeRef, baseDir string, includePaths []string) (string, bool) {
	var candidates []string
	if ref.relativeFirst {
		candidates = append(candidates, filepath.Join(baseDir, ref.path))
	}
	for _, dir := range includePaths {
		candidates = append(candidates, filepath.Join(dir, ref.path))
	}
	if !ref.relativeFirst {
		candidates = append(candidates, filepath.Join(baseDir, ref.path))
	}

	for _, c := range candidates {
		info := a.stats.Stat(c)
		if info.Exists && !info.IsDir {
			return c, true
		}
	}
	return "", false
}
