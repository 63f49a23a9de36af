package archive

import (
	"archive/zip"
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"file-manager/blob"
	"file-manager/tree"
)

type tiers struct {
	local    *blob.Disk
	public   *blob.Disk
	resolver *blob.Resolver
}

func newTiers(t *testing.T) tiers {
	t.Helper()
	local, err := blob.NewDisk(filepath.Join(t.TempDir(), "local"), "")
	require.NoError(t, err)
	public, err := blob.NewDisk(filepath.Join(t.TempDir(), "public"), "http://localhost/public")
	require.NoError(t, err)
	return tiers{local: local, public: public, resolver: &blob.Resolver{Local: local, Public: public}}
}

// fileNode stores body in the local tier and returns a node pointing at it.
func (tr tiers) fileNode(t *testing.T, id uint64, name, body string) tree.Node {
	t.Helper()
	key := "files/1/" + name
	_, err := tr.local.Put(context.Background(), key, strings.NewReader(body))
	require.NoError(t, err)
	return tree.Node{ID: id, Name: name, StorageKey: &key, Tier: blob.TierLocal, Size: int64(len(body))}
}

// readZip returns the archive's entries as name -> content.
func readZip(t *testing.T, public *blob.Disk, key string) map[string]string {
	t.Helper()
	p, err := public.Path(key)
	require.NoError(t, err)
	r, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string]string, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(body)
	}
	return out
}

func zipKeys(t *testing.T, public *blob.Disk) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(public.Dir(), "zip", "*"))
	require.NoError(t, err)
	sort.Strings(matches)
	return matches
}
