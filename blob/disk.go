package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/otiai10/copy"
)

// Disk is a Store rooted at a directory. Keys are slash separated and may
// not escape the root.
type Disk struct {
	dir     string
	baseURL string
}

func NewDisk(dir, baseURL string) (*Disk, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	return &Disk{dir: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the absolute root directory.
func (d *Disk) Dir() string {
	return d.dir
}

// Path maps a key to its location on disk.
func (d *Disk) Path(key string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+key), "/")
	if rel == "" || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.dir, filepath.FromSlash(rel)), nil
}

// Put writes to a temp file next to the destination and renames it into
// place so readers never observe a partial blob.
func (d *Disk) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := d.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (d *Disk) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := d.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (d *Disk) Exists(_ context.Context, key string) (bool, error) {
	p, err := d.Path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// PublicURL escapes every key segment so names with spaces or unicode stay
// addressable.
func (d *Disk) PublicURL(key string) string {
	segments := strings.Split(strings.TrimPrefix(path.Clean("/"+key), "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.baseURL + "/" + strings.Join(segments, "/")
}

func (d *Disk) Delete(_ context.Context, key string) error {
	p, err := d.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Import moves an existing file (a finished resumable upload) under key.
func (d *Disk) Import(_ context.Context, key, src string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("import %s: is a directory", src)
	}
	dst, err := d.Path(key)
	if err != nil {
		return 0, err
	}
	if err := copy.Copy(src, dst, copy.Options{Sync: true}); err != nil {
		return 0, err
	}
	return info.Size(), os.RemoveAll(src)
}

// CopyFrom copies srcKey of another disk tier to dstKey without streaming
// through memory.
func (d *Disk) CopyFrom(src *Disk, srcKey, dstKey string) error {
	from, err := src.Path(srcKey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, srcKey)
	}
	to, err := d.Path(dstKey)
	if err != nil {
		return err
	}
	return copy.Copy(from, to)
}

// Sweep removes blobs under prefix last modified before now-olderThan and
// reports how many were removed. Directories below prefix that were already
// old and end up empty are removed too.
func (d *Disk) Sweep(prefix string, olderThan time.Duration) (int, error) {
	root, err := d.Path(prefix)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var dirs []string
	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			if info, err := entry.Info(); err == nil && p != root && info.ModTime().Before(cutoff) {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})

	// Deepest first. os.Remove refuses directories that still hold something.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
	return removed, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
