package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

func pf(path, content string) chattypes.ProjectFile {
	return chattypes.ProjectFile{Path: path, Content: content}
}

func TestMergeFiles(t *testing.T) {
	files := []chattypes.ProjectFile{pf("a.ts", "eski a"), pf("b.ts", "b"), pf("c.ts", "c")}
	delta := &chattypes.RepoDelta{
		Added:    []chattypes.ProjectFile{pf("d.ts", "d")},
		Modified: []chattypes.ProjectFile{pf("a.ts", "yeni a")},
		Removed:  []string{"b.ts"},
	}

	merged := MergeFiles(files, delta)

	byPath := map[string]string{}
	for _, f := range merged {
		byPath[f.Path] = f.Content
	}
	assert.Equal(t, map[string]string{"a.ts": "yeni a", "c.ts": "c", "d.ts": "d"}, byPath)
}

func TestCoalescePending_RemoveCancelsPriorAdd(t *testing.T) {
	existing := &chattypes.PendingContextUpdate{
		Added:          []chattypes.ProjectFile{pf("x.ts", "x")},
		RevisionMarker: "sha1",
	}
	delta := &chattypes.RepoDelta{Removed: []string{"x.ts"}, RevisionMarker: "sha2"}

	merged := CoalescePending(existing, delta)

	assert.Empty(t, merged.Added)
	assert.Equal(t, []string{"x.ts"}, merged.Removed)
	assert.Equal(t, "sha2", merged.RevisionMarker)
}

func TestCoalescePending_AddCancelsPriorRemove(t *testing.T) {
	existing := &chattypes.PendingContextUpdate{Removed: []string{"x.ts"}, RevisionMarker: "sha1"}
	delta := &chattypes.RepoDelta{Added: []chattypes.ProjectFile{pf("x.ts", "geri geldi")}, RevisionMarker: "sha2"}

	merged := CoalescePending(existing, delta)

	assert.Empty(t, merged.Removed)
	require.Len(t, merged.Added, 1)
	assert.Equal(t, "geri geldi", merged.Added[0].Content)
}

func TestCoalescePending_ModifyAfterAddStaysAdded(t *testing.T) {
	existing := &chattypes.PendingContextUpdate{
		Added:          []chattypes.ProjectFile{pf("x.ts", "ilk hali")},
		RevisionMarker: "sha1",
	}
	delta := &chattypes.RepoDelta{Modified: []chattypes.ProjectFile{pf("x.ts", "ikinci hali")}, RevisionMarker: "sha2"}

	merged := CoalescePending(existing, delta)

	assert.Empty(t, merged.Modified)
	require.Len(t, merged.Added, 1)
	assert.Equal(t, "ikinci hali", merged.Added[0].Content)
}

func TestCoalescePending_FromNothing(t *testing.T) {
	delta := &chattypes.RepoDelta{
		Added:          []chattypes.ProjectFile{pf("a.ts", "a")},
		Modified:       []chattypes.ProjectFile{pf("b.ts", "b")},
		Removed:        []string{"c.ts"},
		RevisionMarker: "sha9",
	}

	merged := CoalescePending(nil, delta)

	assert.Len(t, merged.Added, 1)
	assert.Len(t, merged.Modified, 1)
	assert.Equal(t, []string{"c.ts"}, merged.Removed)
	assert.Equal(t, "sha9", merged.RevisionMarker)
}

func TestCoalescePending_ModifyReplacesPriorModify(t *testing.T) {
	existing := &chattypes.PendingContextUpdate{
		Modified:       []chattypes.ProjectFile{pf("m.ts", "v1")},
		RevisionMarker: "sha1",
	}
	delta := &chattypes.RepoDelta{Modified: []chattypes.ProjectFile{pf("m.ts", "v2")}, RevisionMarker: "sha2"}

	merged := CoalescePending(existing, delta)

	require.Len(t, merged.Modified, 1)
	assert.Equal(t, "v2", merged.Modified[0].Content)
}

func TestDiffLineStats(t *testing.T) {
	before := []chattypes.ProjectFile{pf("a.ts", "bir\niki\nüç\n")}
	modified := []chattypes.ProjectFile{pf("a.ts", "bir\nüç\ndört\nbeş\n")}

	stats := DiffLineStats(before, modified)
	assert.Equal(t, 2, stats.Added)
	assert.Equal(t, 1, stats.Removed)
}

func TestDiffLineStats_UnknownPreviousFileSkipped(t *testing.T) {
	stats := DiffLineStats(nil, []chattypes.ProjectFile{pf("new.ts", "içerik")})
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Removed)
}
