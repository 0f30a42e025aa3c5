// Package tmp wraps short-lived scratch files, preferring a tmpfs-backed
// directory when one is available so large package archives fetched during
// a run don't needlessly round-trip through disk.
package tmp

import (
	"os"
	"sync"
)

// shmDir is the directory a Linux system mounts an in-memory tmpfs at.
const shmDir = "/dev/shm"

var (
	dirOnce sync.Once
	dir     string
)

// Dir returns the directory scratch files should be created in: /dev/shm if
// it exists and is writable, otherwise the system's default temp directory.
// The check is performed once and cached.
func Dir() string {
	dirOnce.Do(func() {
		if info, err := os.Stat(shmDir); err == nil && info.IsDir() && writable(shmDir) {
			dir = shmDir
			return
		}
		dir = os.TempDir()
	})
	return dir
}

func writable(path string) bool {
	f, err := os.CreateTemp(path, ".writetest-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// File wraps an *os.File so that Close both closes the handle and removes
// the file from the filesystem.
type File struct {
	*os.File
}

// New creates a scratch file in Dir().
func New(pattern string) (*File, error) {
	f, err := os.CreateTemp(Dir(), pattern)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// Close closes the file handle and removes the file from the filesystem.
func (t *File) Close() error {
	if err := t.File.Close(); err != nil {
		return err
	}
	return os.Remove(t.File.Name())
}
