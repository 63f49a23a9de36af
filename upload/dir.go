package upload

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// FromDir walks dir with concurrency workers and returns an upload tree
// whose files read straight from disk. Symlinks are skipped.
func FromDir(dir string, concurrency int) (*Entry, error) {
	root := newRoot()
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}

	type job struct {
		entry *Entry
		path  string
	}
	ch := make(chan job)
	closeWait := &sync.WaitGroup{}

	var (
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var scan func(parent *Entry, dirPath string) error
	scan = func(parent *Entry, dirPath string) error {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return err
		}
		for _, de := range entries {
			if de.Type()&fs.ModeSymlink != 0 {
				continue
			}
			full := filepath.Join(dirPath, de.Name())
			if de.IsDir() {
				e := newEntry(parent, de.Name(), true, -1)
				closeWait.Add(1)
				go func() {
					ch <- job{entry: e, path: full}
				}()
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			e := newEntry(parent, de.Name(), false, info.Size())
			e.File = &File{
				Path: e.Path(),
				Size: info.Size(),
				Open: func() (io.ReadCloser, error) { return os.Open(full) },
			}
		}
		return nil
	}

	var wait sync.WaitGroup
	wait.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			for j := range ch {
				if err := scan(j.entry, j.path); err != nil {
					fail(err)
				}
				closeWait.Done()
			}
			wait.Done()
		}()
	}

	if err := scan(root, dir); err != nil {
		close(ch)
		wait.Wait()
		return nil, err
	}

	go func() {
		closeWait.Wait()
		close(ch)
	}()
	wait.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return root, nil
}

func DefaultConcurrency() int {
	maxProcs := runtime.GOMAXPROCS(0)
	numCPU := runtime.NumCPU()
	if maxProcs < numCPU {
		return maxProcs
	}
	return numCPU
}
