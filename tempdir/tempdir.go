// Package tempdir owns a process-unique temporary directory and the
// registry of every file created under it. A single teardown removes all
// registered paths and then the directory, on success, failure and
// interrupt alike.
package tempdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Dir is a registry-backed temp directory. Registration is safe for
// concurrent use; Remove must run after all workers are joined.
type Dir struct {
	path string
	keep bool

	mu    sync.Mutex
	paths []string
}

// New creates the temp directory under base (the system temp dir when base
// is empty), named uniquely per process.
func New(base string) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}
	path := filepath.Join(base, fmt.Sprintf("fastrq.%d.%s", os.Getpid(), uuid.New().String()[:8]))
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, errors.E(err, "create temp dir")
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// SetKeep suppresses deletion at teardown, for debugging.
func (d *Dir) SetKeep(keep bool) { d.keep = keep }

// Register adds path to the teardown list. Paths may be registered more
// than once and may already be gone at teardown.
func (d *Dir) Register(path string) {
	d.mu.Lock()
	d.paths = append(d.paths, path)
	d.mu.Unlock()
}

// Create creates and registers a file named name inside the directory.
func (d *Dir) Create(name string) (*os.File, error) {
	path := filepath.Join(d.path, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.E(err, "create temp file")
	}
	d.Register(path)
	return f, nil
}

// Remove deletes every registered path and then the directory itself.
// Already-removed paths are not errors. With SetKeep(true) it only logs
// the retained location.
func (d *Dir) Remove() error {
	if d.keep {
		log.Printf("keeping temp files in %s", d.path)
		return nil
	}
	d.mu.Lock()
	paths := d.paths
	d.paths = nil
	d.mu.Unlock()
	err := errors.Once{}
	for _, p := range paths {
		if e := os.Remove(p); e != nil && !os.IsNotExist(e) {
			err.Set(e)
		}
	}
	if e := os.Remove(d.path); e != nil && !os.IsNotExist(e) {
		err.Set(e)
	}
	return err.Err()
}
