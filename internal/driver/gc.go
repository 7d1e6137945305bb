package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// RemoveStaleOutputs deletes files the previous build produced that no
// node in the current graph claims anymore, along with any directories
// that become empty. Only state entries that have been seen in this graph
// participate; outputs belonging to other graphs sharing the state file
// are left alone.
func (d *Driver) RemoveStaleOutputs() {
	if d.prev == nil {
		d.opts.Log.Debug("unable to clean up stale output files - no previous build state")
		return
	}

	current := make(map[string]struct{})
	for i := range d.graph.Nodes {
		node := &d.graph.Nodes[i]
		for _, p := range node.Outputs {
			current[p] = struct{}{}
		}
		for _, p := range node.AuxOutputs {
			current[p] = struct{}{}
		}
	}

	nuke := make(map[string]struct{})
	scheduleFile := func(path string) {
		if _, ok := current[path]; ok {
			return
		}
		nuke[path] = struct{}{}

		// Schedule every parent directory too. Directories only disappear
		// once they are empty, which is exactly the behavior we rely on.
		dir := filepath.Dir(path)
		for dir != "." && dir != string(filepath.Separator) && dir != filepath.Dir(dir) {
			nuke[dir] = struct{}{}
			dir = filepath.Dir(dir)
		}
	}

	for i := range d.prev.Nodes {
		rec := &d.prev.Nodes[i]
		if !rec.SeenByDag(d.graph.HashedIdentifier) {
			continue
		}
		for _, p := range rec.Outputs {
			scheduleFile(p)
		}
		for _, p := range rec.AuxOutputs {
			scheduleFile(p)
		}
	}

	if len(nuke) == 0 {
		return
	}

	// Longest paths first so files and subdirectories go before their
	// parent directories.
	paths := make([]string, 0, len(nuke))
	for p := range nuke {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(a, b int) bool {
		if len(paths[a]) != len(paths[b]) {
			return len(paths[a]) > len(paths[b])
		}
		return paths[a] < paths[b]
	})

	removed := 0
	for _, p := range paths {
		d.opts.Log.Debug("cleaning up " + p)
		if err := os.Remove(p); err == nil {
			removed++
			d.stats.MarkDirty(p)
		}
	}

	if removed > 0 {
		d.opts.Log.Info(fmt.Sprintf("Deleted %d artifact files that are no longer in use. (like %s)", removed, paths[0]))
	}
}

// CleanOutputs removes every output file of the active node set.
func (d *Driver) CleanOutputs() {
	count := 0
	for i := range d.states {
		for _, out := range d.states[i].Data.Outputs {
			if err := os.Remove(out); err == nil {
				count++
				d.stats.MarkDirty(out)
			}
		}
	}
	d.opts.Log.Info(fmt.Sprintf("removed %d output files", count))
}
