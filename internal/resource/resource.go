// Package resource probes the backing files of map projects and purges the
// map server's on-disk cache directory.
package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// ErrNotFound is returned when a resource does not exist or is not a file.
var ErrNotFound = errors.New("resource not found")

// Prober reports the last modification time of a resource.
type Prober interface {
	ModTime(ref string) (time.Time, error)
}

// FSProber resolves references against a billy filesystem.
type FSProber struct {
	fs billy.Filesystem
}

// NewFSProber probes files below root. Absolute references are resolved
// relative to root as well.
func NewFSProber(root string) *FSProber {
	return NewFSProberWithFilesystem(osfs.New(root))
}

func NewFSProberWithFilesystem(fs billy.Filesystem) *FSProber {
	return &FSProber{fs: fs}
}

func (p *FSProber) ModTime(ref string) (time.Time, error) {
	if ref == "" {
		return time.Time{}, ErrNotFound
	}
	fi, err := p.fs.Stat(filepath.ToSlash(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat %s: %w", ref, err)
	}
	if fi.IsDir() {
		return time.Time{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}
	return fi.ModTime(), nil
}

// CacheDir is a directory owned by the map server that holds derived data.
// Purging removes it with all of its content; the server recreates it.
type CacheDir struct {
	fs   billy.Filesystem
	name string
}

// NewCacheDir returns nil for an empty path, meaning there is nothing to purge.
func NewCacheDir(path string) *CacheDir {
	if path == "" {
		return nil
	}
	clean := filepath.Clean(path)
	return &CacheDir{
		fs:   osfs.New(filepath.Dir(clean)),
		name: filepath.Base(clean),
	}
}

func (c *CacheDir) Path() string {
	if c == nil {
		return ""
	}
	return c.fs.Join(c.fs.Root(), c.name)
}

// Purge removes the cache directory. A missing directory is not an error.
// Calling Purge on a nil CacheDir does nothing.
func (c *CacheDir) Purge() error {
	if c == nil {
		return nil
	}
	if err := util.RemoveAll(c.fs, c.name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to purge cache directory %s: %w", c.Path(), err)
	}
	return nil
}
