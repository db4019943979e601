// Package vfs implements the VFS core: polymorphic file handles, a
// fixed-capacity per-task FD table, and longest-prefix-match mount
// resolution (spec.md §4.6). Filesystems plug in by providing an Ops
// capability table; any entry left nil makes that operation fail with
// kerrno.ENOSYS (kerrno.ENOTTY for Ioctl; Isatty and Poll report false
// instead), per spec.md §9 "Function-pointer tables as capability sets".
package vfs

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
)

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Ops is a file handle's capability table. A nil entry means the
// operation is unsupported for this kind of file.
type Ops struct {
	Close    func(f *File) error
	Read     func(f *File, buf []byte) (int, error)
	Write    func(f *File, buf []byte) (int, error)
	Seek     func(f *File, offset int64, whence int) (int64, error)
	Ioctl    func(f *File, cmd uint32, arg interface{}) (int, error)
	Isatty   func(f *File) bool
	Poll     func(f *File) (readable, writable bool)
	Readdir  func(f *File) ([]DirEntry, error)
	Readlink func(f *File) (string, error)
	Truncate func(f *File, size int64) error
}

// File is a file handle: fd index, opaque private data, its operations
// table, current position, and refcount (spec.md §3 "File").
type File struct {
	mu sync.Mutex

	FD       int
	Private  interface{}
	Ops      *Ops
	Pos      int64
	IsDir    bool
	FSKind   string
	refcount int32
}

func newFile(ops *Ops, private interface{}, fsKind string, isDir bool) *File {
	return &File{Ops: ops, Private: private, FSKind: fsKind, IsDir: isDir, refcount: 1}
}

func (f *File) Read(buf []byte) (int, error) {
	if f.Ops == nil || f.Ops.Read == nil {
		return 0, kerrno.ENOSYS
	}
	return f.Ops.Read(f, buf)
}

func (f *File) Write(buf []byte) (int, error) {
	if f.Ops == nil || f.Ops.Write == nil {
		return 0, kerrno.ENOSYS
	}
	return f.Ops.Write(f, buf)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.Ops == nil || f.Ops.Seek == nil {
		return 0, kerrno.ENOSYS
	}
	return f.Ops.Seek(f, offset, whence)
}

func (f *File) Ioctl(cmd uint32, arg interface{}) (int, error) {
	if f.Ops == nil || f.Ops.Ioctl == nil {
		return 0, kerrno.ENOTTY
	}
	return f.Ops.Ioctl(f, cmd, arg)
}

func (f *File) Isatty() bool {
	if f.Ops == nil || f.Ops.Isatty == nil {
		return false
	}
	return f.Ops.Isatty(f)
}

func (f *File) Poll() (readable, writable bool) {
	if f.Ops == nil || f.Ops.Poll == nil {
		return false, false
	}
	return f.Ops.Poll(f)
}

func (f *File) Readdir() ([]DirEntry, error) {
	if !f.IsDir || f.Ops == nil || f.Ops.Readdir == nil {
		return nil, kerrno.ENOSYS
	}
	return f.Ops.Readdir(f)
}

func (f *File) Readlink() (string, error) {
	if f.Ops == nil || f.Ops.Readlink == nil {
		return "", kerrno.ENOSYS
	}
	return f.Ops.Readlink(f)
}

func (f *File) Truncate(size int64) error {
	if f.Ops == nil || f.Ops.Truncate == nil {
		return kerrno.ENOSYS
	}
	return f.Ops.Truncate(f, size)
}

// retain/release implement the refcounted lifetime of spec.md §3 "File".
func (f *File) retain() {
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
}

func (f *File) release() (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refcount--
	return f.refcount == 0
}

// FDTableCapacity bounds the number of simultaneously open files per
// task.
const FDTableCapacity = 256

// FDTable is a task's fixed-capacity FD table. Per-task, not shared, so
// no lock is required in the baseline design (spec.md §5) — a mutex is
// kept anyway since Go tasks may be driven from more than one goroutine
// in tests.
type FDTable struct {
	mu    sync.Mutex
	files [FDTableCapacity]*File
}

// NewFDTable constructs an empty FD table.
func NewFDTable() *FDTable { return &FDTable{} }

// Install places f into the first free slot.
func (t *FDTable) Install(f *File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.files {
		if slot == nil {
			f.FD = i
			t.files[i] = f
			return i, nil
		}
	}
	return -1, errors.Wrap(kerrno.EMFILE, "vfs: fd table full")
}

// Get returns the file at fd.
func (t *FDTable) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= FDTableCapacity || t.files[fd] == nil {
		return nil, errors.Wrap(kerrno.EBADF, "vfs: bad file descriptor")
	}
	return t.files[fd], nil
}

// Close decrements the file's refcount, removing it from the table and
// invoking Ops.Close when the last reference goes away.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	f := t.files[fd]
	if f == nil {
		t.mu.Unlock()
		return errors.Wrap(kerrno.EBADF, "vfs: bad file descriptor")
	}
	t.files[fd] = nil
	t.mu.Unlock()

	if f.release() && f.Ops != nil && f.Ops.Close != nil {
		return f.Ops.Close(f)
	}
	return nil
}

// MountOps resolves a path within one mount.
type MountOps struct {
	OpenPath func(ctx interface{}, path string, flags int, mode uint32) (*Ops, interface{}, bool, error)
}

// MountPoint is a filesystem mounted at Path (spec.md §3 "MountPoint").
type MountPoint struct {
	Path    string
	FSKind  string
	Block   interface{} // nullable block device reference
	Ops     *MountOps
	Context interface{}
}

// VFS is the global mount table: single-writer at init, read-mostly
// thereafter (spec.md §5).
type VFS struct {
	mu     sync.RWMutex
	mounts []*MountPoint
}

// New constructs an empty mount table.
func New() *VFS { return &VFS{} }

// Mount registers mp. Mounts are kept sorted longest-path-first so
// Resolve's linear scan finds the longest match first.
func (v *VFS) Mount(mp *MountPoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts = append(v.mounts, mp)
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].Path) > len(v.mounts[j].Path)
	})
}

// pathUnder reports whether candidate is under mountPath, where
// mountPath must be terminated by end-of-string or '/' in candidate
// (spec.md §3 "MountPoint" / §4.6 step 1).
func pathUnder(mountPath, candidate string) bool {
	if mountPath == "/" {
		return strings.HasPrefix(candidate, "/")
	}
	if !strings.HasPrefix(candidate, mountPath) {
		return false
	}
	rest := candidate[len(mountPath):]
	return rest == "" || strings.HasPrefix(rest, "/")
}

// Resolve finds the longest-prefix-matching mount for path.
func (v *VFS) Resolve(path string) (*MountPoint, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, mp := range v.mounts {
		if pathUnder(mp.Path, path) {
			return mp, nil
		}
	}
	return nil, errors.Wrapf(kerrno.ENOENT, "vfs: no mount for %q", path)
}

// Open resolves path's mount, delegates OpenPath, and installs the
// resulting file into fdTable (spec.md §4.6 "Path resolution").
func (v *VFS) Open(fdTable *FDTable, path string, flags int, mode uint32) (int, error) {
	mp, err := v.Resolve(path)
	if err != nil {
		return -1, err
	}
	if mp.Ops == nil || mp.Ops.OpenPath == nil {
		return -1, kerrno.ENOSYS
	}
	rel := relativePath(mp.Path, path)
	ops, private, isDir, err := mp.Ops.OpenPath(mp.Context, rel, flags, mode)
	if err != nil {
		return -1, err
	}
	f := newFile(ops, private, mp.FSKind, isDir)
	return fdTable.Install(f)
}

func relativePath(mountPath, full string) string {
	if mountPath == "/" {
		return full
	}
	rel := strings.TrimPrefix(full, mountPath)
	if rel == "" {
		return "/"
	}
	return rel
}

// Mounts returns a snapshot of the mount table, for /proc/mounts.
func (v *VFS) Mounts() []*MountPoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*MountPoint, len(v.mounts))
	copy(out, v.mounts)
	return out
}
