// Package procfs implements the synthesized, read-only /proc filesystem
// (spec.md §4.6 "Procfs"). Every file's content is generated fresh on
// open; nothing is cached between opens.
package procfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/task"
	"wos/internal/vfs"
)

// FS synthesizes procfs content from the live process table and mount
// table. CurrentPid resolves "the calling task" for /proc/self and must
// be supplied by the kernel (there is no ambient "current task" in a
// userspace Go process the way there is in a real kernel).
type FS struct {
	Registry   *task.Registry
	VFS        *vfs.VFS
	CurrentPid func() task.Pid
}

// New constructs a procfs instance.
func New(reg *task.Registry, v *vfs.VFS, currentPid func() task.Pid) *FS {
	return &FS{Registry: reg, VFS: v, CurrentPid: currentPid}
}

// Mount builds the vfs.MountPoint for /proc.
func Mount(fs *FS) *vfs.MountPoint {
	return &vfs.MountPoint{
		Path:   "/proc",
		FSKind: "procfs",
		Ops: &vfs.MountOps{
			OpenPath: func(ctx interface{}, rel string, flags int, mode uint32) (*vfs.Ops, interface{}, bool, error) {
				return fs.open(rel)
			},
		},
	}
}

func (fs *FS) open(rel string) (*vfs.Ops, interface{}, bool, error) {
	rel = strings.TrimPrefix(rel, "/")

	if rel == "mounts" {
		return staticOps(fs.renderMounts()), nil, false, nil
	}

	parts := strings.SplitN(rel, "/", 2)
	first := parts[0]

	pid, ok := fs.resolvePid(first)
	if !ok {
		return nil, nil, false, errors.Wrapf(kerrno.ENOENT, "procfs: %q", rel)
	}
	t, ok := fs.Registry.Get(pid)
	if !ok {
		return nil, nil, false, errors.Wrapf(kerrno.ESRCH, "procfs: pid %d", pid)
	}

	if len(parts) == 1 {
		if first == "self" {
			return symlinkOps(fmt.Sprintf("/proc/%d", pid)), nil, false, nil
		}
		return nil, nil, true, nil // bare /proc/<pid> directory
	}

	switch parts[1] {
	case "status":
		return staticOps(fs.renderStatus(t)), nil, false, nil
	case "exe":
		return symlinkOps(t.ExePath), nil, false, nil
	default:
		return nil, nil, false, errors.Wrapf(kerrno.ENOENT, "procfs: %q", rel)
	}
}

func (fs *FS) resolvePid(s string) (task.Pid, bool) {
	if s == "self" {
		return fs.CurrentPid(), true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return task.Pid(n), true
}

func (fs *FS) renderStatus(t *task.Task) string {
	c := t.Creds
	var b strings.Builder
	fmt.Fprintf(&b, "Name:\t%s\n", t.ExePath)
	fmt.Fprintf(&b, "Pid:\t%d\n", t.Pid)
	fmt.Fprintf(&b, "PPid:\t%d\n", t.ParentPid)
	fmt.Fprintf(&b, "Uid:\t%d\t%d\t%d\t%d\n", c.UID, c.EUID, c.SUID, c.UID)
	fmt.Fprintf(&b, "Gid:\t%d\t%d\t%d\t%d\n", c.GID, c.EGID, c.SGID, c.GID)
	return b.String()
}

func (fs *FS) renderMounts() string {
	var b strings.Builder
	for _, mp := range fs.VFS.Mounts() {
		fmt.Fprintf(&b, "%s %s %s rw 0 0\n", mp.FSKind, mp.Path, mp.FSKind)
	}
	return b.String()
}

// staticOps returns an Ops whose Read serves a freshly rendered byte
// buffer, capturing it at open time (lazy generation per spec.md §4.6).
func staticOps(content string) *vfs.Ops {
	data := []byte(content)
	return &vfs.Ops{
		Read: func(f *vfs.File, buf []byte) (int, error) {
			if f.Pos >= int64(len(data)) {
				return 0, nil
			}
			n := copy(buf, data[f.Pos:])
			f.Pos += int64(n)
			return n, nil
		},
	}
}

func symlinkOps(target string) *vfs.Ops {
	return &vfs.Ops{
		Readlink: func(f *vfs.File) (string, error) {
			return target, nil
		},
	}
}
