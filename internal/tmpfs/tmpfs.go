// Package tmpfs implements an in-memory filesystem for the root mount:
// each file is a growable byte buffer, created on demand (spec.md §4.6
// "Tmpfs (root)").
package tmpfs

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/vfs"
)

type node struct {
	mu   sync.Mutex
	data []byte
}

// FS is a tmpfs instance: a flat map of path -> node, used purely as the
// root's backing store. Nothing opens as a directory and no Readdir is
// provided, so not even the root can be listed.
type FS struct {
	mu    sync.Mutex
	files map[string]*node
}

// New constructs an empty tmpfs.
func New() *FS {
	return &FS{files: make(map[string]*node)}
}

func (fs *FS) lookupOrCreate(path string, create bool) (*node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.files[path]
	if !ok {
		if !create {
			return nil, errors.Wrapf(kerrno.ENOENT, "tmpfs: %q", path)
		}
		n = &node{}
		fs.files[path] = n
	}
	return n, nil
}

// Mount builds the vfs.MountPoint for the tmpfs root.
func Mount(fs *FS) *vfs.MountPoint {
	return &vfs.MountPoint{
		Path:   "/",
		FSKind: "tmpfs",
		Ops: &vfs.MountOps{
			OpenPath: func(ctx interface{}, rel string, flags int, mode uint32) (*vfs.Ops, interface{}, bool, error) {
				create := flags&OCreate != 0
				n, err := fs.lookupOrCreate(normalize(rel), create)
				if err != nil {
					return nil, nil, false, err
				}
				return fileOps(), n, false, nil
			},
		},
	}
}

func normalize(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// OCreate mirrors O_CREAT for tmpfs's open-creates-on-demand semantics.
const OCreate = 1 << 6

func fileOps() *vfs.Ops {
	return &vfs.Ops{
		Read: func(f *vfs.File, buf []byte) (int, error) {
			n := f.Private.(*node)
			n.mu.Lock()
			defer n.mu.Unlock()
			if f.Pos >= int64(len(n.data)) {
				return 0, nil
			}
			nRead := copy(buf, n.data[f.Pos:])
			f.Pos += int64(nRead)
			return nRead, nil
		},
		Write: func(f *vfs.File, buf []byte) (int, error) {
			n := f.Private.(*node)
			n.mu.Lock()
			defer n.mu.Unlock()
			end := f.Pos + int64(len(buf))
			if end > int64(len(n.data)) {
				grown := make([]byte, end)
				copy(grown, n.data)
				n.data = grown
			}
			copy(n.data[f.Pos:end], buf)
			f.Pos = end
			return len(buf), nil
		},
		Seek: func(f *vfs.File, offset int64, whence int) (int64, error) {
			n := f.Private.(*node)
			n.mu.Lock()
			defer n.mu.Unlock()
			switch whence {
			case 0:
				f.Pos = offset
			case 1:
				f.Pos += offset
			case 2:
				f.Pos = int64(len(n.data)) + offset
			}
			return f.Pos, nil
		},
		Truncate: func(f *vfs.File, size int64) error {
			n := f.Private.(*node)
			n.mu.Lock()
			defer n.mu.Unlock()
			if size <= int64(len(n.data)) {
				n.data = n.data[:size]
				return nil
			}
			grown := make([]byte, size)
			copy(grown, n.data)
			n.data = grown
			return nil
		},
	}
}
