package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"file-manager/tree"
)

func newTreeStore(t *testing.T) *tree.Store {
	t.Helper()
	s, err := tree.Open(filepath.Join(t.TempDir(), "tree.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func add(t *testing.T, s *tree.Store, parent uint64, name string, folder bool) *tree.Node {
	t.Helper()
	attrs := tree.NodeAttrs{Name: name, IsFolder: folder}
	if !folder {
		attrs.StorageKey = fmt.Sprintf("files/1/%s", name)
		attrs.Size = int64(len(name))
	}
	n, err := s.AppendChild(context.Background(), 1, parent, attrs)
	require.NoError(t, err)
	return n
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestExpand(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)

	a := add(t, s, root.ID, "A", true)
	add(t, s, a.ID, "x.txt", false)
	b := add(t, s, a.ID, "B", true)
	add(t, s, b.ID, "y.txt", false)
	add(t, s, a.ID, "empty", true)
	z := add(t, s, root.ID, "z.txt", false)

	latestA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)

	entries, err := Expand(ctx, s, []tree.Node{*latestA, *z})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/x.txt", "A/B/y.txt", "z.txt"}, paths(entries))
	assert.Equal(t, int64(len("x.txt")+len("y.txt")+len("z.txt")), TotalSize(entries))
}

func TestExpandSkipsTrashedChains(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)

	a := add(t, s, root.ID, "A", true)
	add(t, s, a.ID, "keep.txt", false)
	b := add(t, s, a.ID, "B", true)
	y := add(t, s, b.ID, "y.txt", false)

	// Trash B, then bring back y alone: y is live but B is not.
	require.NoError(t, s.Trash(ctx, 1, b.ID))
	require.NoError(t, s.Restore(ctx, 1, y.ID))

	latestA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	entries, err := Expand(ctx, s, []tree.Node{*latestA})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/keep.txt"}, paths(entries))
}

func TestExpandEmptyFolder(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)
	empty := add(t, s, root.ID, "empty", true)

	entries, err := Expand(ctx, s, []tree.Node{*empty})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExpandOverlappingSelection(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)

	a := add(t, s, root.ID, "A", true)
	x := add(t, s, a.ID, "x.txt", false)
	b := add(t, s, a.ID, "B", true)
	add(t, s, b.ID, "y.txt", false)

	// x and B are inside A; both come out once, under A.
	entries, err := Expand(ctx, s, []tree.Node{*x, *b, *a, *a})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/x.txt", "A/B/y.txt"}, paths(entries))
}

func TestExpandRenamesClashingPaths(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)

	c := add(t, s, root.ID, "C", true)
	d := add(t, s, root.ID, "D", true)
	r1 := add(t, s, c.ID, "report.txt", false)
	r2 := add(t, s, d.ID, "report.txt", false)
	r3 := add(t, s, root.ID, "report.txt", false)

	entries, err := Expand(ctx, s, []tree.Node{*r1, *r2, *r3})
	require.NoError(t, err)
	assert.Equal(t, []string{"report.txt", "report (1).txt", "report (2).txt"}, paths(entries))
}

func TestExpandReadsCurrentBounds(t *testing.T) {
	s := newTreeStore(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, 1, "alice")
	require.NoError(t, err)

	// a is held from before its children were added.
	a := add(t, s, root.ID, "A", true)
	add(t, s, a.ID, "x.txt", false)

	entries, err := Expand(ctx, s, []tree.Node{*a})
	require.NoError(t, err)
	assert.Equal(t, []string{"A/x.txt"}, paths(entries))
}
