package httpd

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

const indexFile = "index.html"

// Resources resolves request targets to bytes. Lookup reports fs.ErrNotExist for
// a target that does not name a regular file; any other error is a server error.
type Resources interface {
	Lookup(target string) (size int64, err error)
	ReadFile(target string) ([]byte, error)
}

// DocRoot serves files below a fixed directory.
type DocRoot struct {
	fsys fs.FS
}

func NewDocRoot(dir string) *DocRoot {
	return &DocRoot{fsys: os.DirFS(dir)}
}

// NewFSRoot serves files from fsys, e.g. an embed.FS or fstest.MapFS.
func NewFSRoot(fsys fs.FS) *DocRoot {
	return &DocRoot{fsys: fsys}
}

func (d *DocRoot) Lookup(target string) (int64, error) {
	name, err := resourceName(target)
	if err != nil {
		return 0, err
	}
	info, err := fs.Stat(d.fsys, name)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file: %w", name, fs.ErrNotExist)
	}
	return info.Size(), nil
}

func (d *DocRoot) ReadFile(target string) ([]byte, error) {
	name, err := resourceName(target)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(d.fsys, name)
}

// resourceName maps a request target to a slash-separated name inside the root.
// The query is dropped and dot-dot segments cannot climb above the root.
func resourceName(target string) (string, error) {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	name := strings.TrimPrefix(path.Clean("/"+target), "/")
	if name == "" {
		name = indexFile
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("%q: %w", target, fs.ErrNotExist)
	}
	return name, nil
}
