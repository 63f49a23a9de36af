package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"file-manager/tree"
)

// Entry is one file of an archive and its path inside it.
type Entry struct {
	Path string
	Node tree.Node
}

// Source lists the live nodes inside a folder's range.
type Source interface {
	Descendants(ctx context.Context, n *tree.Node) ([]tree.Node, error)
}

// Expand turns selected nodes into archive entries. A file becomes an entry
// named after it; a folder contributes every live file below it, with paths
// starting at the folder's own name. A file whose folder chain contains a
// trashed folder is left out even if the file itself is live.
//
// A node selected together with a folder containing it appears once, under
// the outermost selected folder. Each node yields at most one entry and
// clashing paths get a " (n)" suffix.
func Expand(ctx context.Context, src Source, nodes []tree.Node) ([]Entry, error) {
	var entries []Entry
	seen := make(map[uint64]bool)
	used := make(map[string]bool)
	add := func(p string, n tree.Node) {
		if seen[n.ID] {
			return
		}
		seen[n.ID] = true
		entries = append(entries, Entry{Path: uniquePath(used, p), Node: n})
	}

	var folders []tree.Node
	below := make(map[uint64][]tree.Node)
	nested := make(map[uint64]bool)
	for i := range nodes {
		n := nodes[i]
		if !n.IsFolder {
			continue
		}
		if _, ok := below[n.ID]; ok {
			continue
		}
		desc, err := src.Descendants(ctx, &n)
		if err != nil {
			return nil, err
		}
		if desc == nil {
			desc = []tree.Node{}
		}
		below[n.ID] = desc
		folders = append(folders, n)
		for _, d := range desc {
			nested[d.ID] = true
		}
	}

	for _, n := range folders {
		if nested[n.ID] {
			continue
		}
		prefix := map[uint64]string{n.ID: n.Name}
		for _, d := range below[n.ID] {
			if d.ParentID == nil {
				continue
			}
			dir, ok := prefix[*d.ParentID]
			if !ok {
				continue
			}
			p := dir + "/" + d.Name
			if d.IsFolder {
				prefix[d.ID] = p
				continue
			}
			add(p, d)
		}
	}
	for _, n := range nodes {
		if !n.IsFolder && !nested[n.ID] {
			add(n.Name, n)
		}
	}
	return entries, nil
}

// uniquePath returns p, or p with " (n)" before its extension when p is
// taken, and marks the result as taken.
func uniquePath(used map[string]bool, p string) string {
	candidate := p
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	used[candidate] = true
	return candidate
}

// TotalSize sums the recorded sizes of the entries.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Node.Size
	}
	return total
}
