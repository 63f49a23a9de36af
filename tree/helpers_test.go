package tree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alice uint64 = 1
	bob   uint64 = 2
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tree.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRoot(t *testing.T, s *Store, owner uint64) *Node {
	t.Helper()
	root, err := s.CreateRoot(context.Background(), owner, fmt.Sprintf("user-%d", owner))
	require.NoError(t, err)
	return root
}

func mustFolder(t *testing.T, s *Store, owner, parent uint64, name string) *Node {
	t.Helper()
	n, err := s.AppendChild(context.Background(), owner, parent, NodeAttrs{Name: name, IsFolder: true})
	require.NoError(t, err)
	return n
}

func mustFile(t *testing.T, s *Store, owner, parent uint64, name string, size int64) *Node {
	t.Helper()
	n, err := s.AppendChild(context.Background(), owner, parent, NodeAttrs{
		Name:       name,
		StorageKey: fmt.Sprintf("files/%d/%s", owner, name),
		Mime:       "text/plain",
		Size:       size,
	})
	require.NoError(t, err)
	return n
}

func reload(t *testing.T, s *Store, id uint64) Node {
	t.Helper()
	var n Node
	require.NoError(t, s.DB().Unscoped().First(&n, id).Error)
	return n
}

// requireNestedSet checks the range invariants over one owner's nodes:
// left < right, ranges either nest or are disjoint, every node lies inside
// its parent and the root spans exactly two slots per node.
func requireNestedSet(t *testing.T, s *Store, owner uint64) []Node {
	t.Helper()
	nodes, err := s.Snapshot(context.Background(), owner)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	byID := make(map[uint64]Node, len(nodes))
	seen := make(map[int64]bool, 2*len(nodes))
	for _, n := range nodes {
		require.Less(t, n.Left, n.Right, "node %d", n.ID)
		require.False(t, seen[n.Left], "bound %d reused", n.Left)
		require.False(t, seen[n.Right], "bound %d reused", n.Right)
		seen[n.Left], seen[n.Right] = true, true
		byID[n.ID] = n
	}

	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			disjoint := a.Right < b.Left || b.Right < a.Left
			nested := a.Contains(&b) || b.Contains(&a)
			require.True(t, disjoint || nested, "ranges of %d and %d overlap partially", a.ID, b.ID)
		}
	}

	root := nodes[0]
	require.True(t, root.IsRoot())
	require.Equal(t, int64(1), root.Left)
	require.Equal(t, int64(2*len(nodes)), root.Right)
	for _, n := range nodes[1:] {
		require.NotNil(t, n.ParentID)
		parent := byID[*n.ParentID]
		require.True(t, parent.Contains(&n), "node %d outside its parent %d", n.ID, parent.ID)
	}
	return nodes
}

func names(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
