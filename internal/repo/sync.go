package repo

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// MergeFiles applies a delta to a project file set: removed paths are
// dropped, modified paths replace their existing entries, added paths are
// appended.
func MergeFiles(files []chattypes.ProjectFile, delta *chattypes.RepoDelta) []chattypes.ProjectFile {
	drop := make(map[string]bool, len(delta.Removed)+len(delta.Modified))
	for _, p := range delta.Removed {
		drop[p] = true
	}
	for _, f := range delta.Modified {
		drop[f.Path] = true
	}

	merged := make([]chattypes.ProjectFile, 0, len(files)+len(delta.Added)+len(delta.Modified))
	for _, f := range files {
		if !drop[f.Path] {
			merged = append(merged, f)
		}
	}
	merged = append(merged, delta.Modified...)
	merged = append(merged, delta.Added...)
	return merged
}

// CoalescePending merges a fresh delta into an existing pending context
// update using set semantics:
//
//   - an add cancels a prior pending remove of the same path
//   - a modify of a path already pending as added stays classified as added
//   - a remove cancels any prior pending add/modify of the path and is
//     recorded as removed
//
// The merged update always carries the newest fetch's revision marker.
func CoalescePending(existing *chattypes.PendingContextUpdate, delta *chattypes.RepoDelta) *chattypes.PendingContextUpdate {
	merged := &chattypes.PendingContextUpdate{RevisionMarker: delta.RevisionMarker}
	if existing != nil {
		merged.Added = append(merged.Added, existing.Added...)
		merged.Modified = append(merged.Modified, existing.Modified...)
		merged.Removed = append(merged.Removed, existing.Removed...)
	}

	for _, f := range delta.Added {
		merged.Removed = removePath(merged.Removed, f.Path)
		merged.Added = upsertFile(merged.Added, f)
	}
	for _, f := range delta.Modified {
		if containsFile(merged.Added, f.Path) {
			merged.Added = upsertFile(merged.Added, f)
			continue
		}
		merged.Removed = removePath(merged.Removed, f.Path)
		merged.Modified = upsertFile(merged.Modified, f)
	}
	for _, p := range delta.Removed {
		merged.Added = removeFile(merged.Added, p)
		merged.Modified = removeFile(merged.Modified, p)
		if !containsPath(merged.Removed, p) {
			merged.Removed = append(merged.Removed, p)
		}
	}
	return merged
}

func upsertFile(files []chattypes.ProjectFile, f chattypes.ProjectFile) []chattypes.ProjectFile {
	for i := range files {
		if files[i].Path == f.Path {
			files[i] = f
			return files
		}
	}
	return append(files, f)
}

func removeFile(files []chattypes.ProjectFile, path string) []chattypes.ProjectFile {
	out := files[:0]
	for _, f := range files {
		if f.Path != path {
			out = append(out, f)
		}
	}
	return out
}

func containsFile(files []chattypes.ProjectFile, path string) bool {
	for i := range files {
		if files[i].Path == path {
			return true
		}
	}
	return false
}

func removePath(paths []string, path string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p != path {
			out = append(out, p)
		}
	}
	return out
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

// LineStats summarizes a sync's modified files as added/removed line counts
// for the system notice.
type LineStats struct {
	Added   int
	Removed int
}

// DiffLineStats runs a line-level diff of every modified file against its
// previous content in the given file set.
func DiffLineStats(before []chattypes.ProjectFile, modified []chattypes.ProjectFile) LineStats {
	previous := make(map[string]string, len(before))
	for _, f := range before {
		previous[f.Path] = f.Content
	}

	dmp := diffmatchpatch.New()
	var stats LineStats
	for _, f := range modified {
		old, ok := previous[f.Path]
		if !ok {
			continue
		}
		oldChars, newChars, lines := dmp.DiffLinesToChars(old, f.Content)
		diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lines)
		for _, d := range diffs {
			n := countLines(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				stats.Added += n
			case diffmatchpatch.DiffDelete:
				stats.Removed += n
			}
		}
	}
	return stats
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
