package upload

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("invalid upload path")

// File is one uploaded file. Path is relative to the upload target and uses
// forward slashes; its last segment is the file name.
type File struct {
	Path string
	Mime string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Entry is a node of the upload tree. The root entry has no name and stands
// for the folder the upload lands in.
type Entry struct {
	Parent   *Entry   `json:"-"`
	Name     string   `json:"name"`
	IsDir    bool     `json:"isDir"`
	File     *File    `json:"-"`
	Children []*Entry `json:"children,omitempty"`

	cachedSize int64
}

func newRoot() *Entry {
	return &Entry{IsDir: true, cachedSize: -1}
}

func newEntry(parent *Entry, name string, isDir bool, size int64) *Entry {
	e := &Entry{Parent: parent, Name: name, IsDir: isDir, cachedSize: size}
	parent.Children = append(parent.Children, e)
	return e
}

func (e *Entry) Root() bool {
	return e.Parent == nil
}

// Path is the slash separated path from the root, "" for the root.
func (e *Entry) Path() string {
	if e.Root() {
		return ""
	}
	if e.Parent.Root() {
		return e.Name
	}
	return e.Parent.Path() + "/" + e.Name
}

// Size is the byte size of a file or the sum over a folder.
func (e *Entry) Size() int64 {
	if e.cachedSize != -1 {
		return e.cachedSize
	}
	var s int64
	for _, c := range e.Children {
		s += c.Size()
	}
	e.cachedSize = s
	return s
}

// Count returns the number of folders and files below e.
func (e *Entry) Count() (folders, files int) {
	for _, c := range e.Children {
		if c.IsDir {
			folders++
			f, n := c.Count()
			folders += f
			files += n
			continue
		}
		files++
	}
	return folders, files
}

func (e *Entry) child(name string) *Entry {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find resolves a relative path, descending only along its segments.
func (e *Entry) Find(p string) *Entry {
	p = strings.Trim(p, "/")
	if p == "" {
		return e
	}
	name, rest, _ := strings.Cut(p, "/")
	c := e.child(name)
	if c == nil {
		return nil
	}
	return c.Find(rest)
}

// Walk visits every entry below e depth first, parents before children, in
// upload order. Returning an error stops the walk.
func (e *Entry) Walk(fn func(*Entry) error) error {
	for _, c := range e.Children {
		if err := fn(c); err != nil {
			return err
		}
		if c.IsDir {
			if err := c.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitPath(p string) ([]string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	clean := path.Clean("/" + p)
	if clean == "/" || clean != "/"+strings.Trim(p, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return strings.Split(clean[1:], "/"), nil
}

// FromPaths builds the folder structure implied by the files' relative
// paths, such as the ones a browser sends for a folder upload.
func FromPaths(files []File) (*Entry, error) {
	root := newRoot()
	for i := range files {
		f := &files[i]
		parts, err := splitPath(f.Path)
		if err != nil {
			return nil, err
		}

		dir := root
		for _, name := range parts[:len(parts)-1] {
			next := dir.child(name)
			switch {
			case next == nil:
				next = newEntry(dir, name, true, -1)
			case !next.IsDir:
				return nil, fmt.Errorf("%w: %q is both a file and a folder", ErrInvalidPath, next.Path())
			}
			dir = next
		}

		name := parts[len(parts)-1]
		if existing := dir.child(name); existing != nil {
			return nil, fmt.Errorf("%w: %q appears twice", ErrInvalidPath, existing.Path())
		}
		e := newEntry(dir, name, false, f.Size)
		e.File = f
	}
	return root, nil
}
