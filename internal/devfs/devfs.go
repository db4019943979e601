// Package devfs implements the /dev character-device filesystem: a
// global device registry plus a mount that dispatches opens to a
// device's CharDeviceOps (spec.md §4.6 "Devfs").
package devfs

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/vfs"
)

// CharDeviceOps is a character device's capability set. Nil entries map
// to "not supported" the same way vfs.Ops does.
type CharDeviceOps struct {
	Open   func(dev *Device) error
	Close  func(dev *Device) error
	Read   func(dev *Device, buf []byte) (int, error)
	Write  func(dev *Device, buf []byte) (int, error)
	Ioctl  func(dev *Device, cmd uint32, arg interface{}) (int, error)
	Isatty func(dev *Device) bool
	Poll   func(dev *Device) (readable, writable bool)
}

// Device is a registered character device (spec.md §6 device-node
// conventions give the major/minor numbers real drivers use).
type Device struct {
	Name  string // e.g. "tty0", "ptmx", "pts/3"
	Major uint32
	Minor uint32
	Ops   CharDeviceOps
}

// Registry is the global device registry: single-writer at init,
// read-mostly thereafter (spec.md §5).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry constructs an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register adds d, keyed by name (possibly nested, e.g. "pts/3").
func (r *Registry) Register(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Name] = d
}

// Unregister removes a device by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, name)
}

// FindByName looks up a device, the property spec.md §8 requires:
// "after dev_register(d), dev_find_by_name(d.name) returns d".
func (r *Registry) FindByName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// List returns every registered device, sorted by name, for /dev's
// readdir.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toVFSOps(dev *Device) *vfs.Ops {
	return &vfs.Ops{
		Close: func(f *vfs.File) error {
			if dev.Ops.Close == nil {
				return nil
			}
			return dev.Ops.Close(dev)
		},
		Read: func(f *vfs.File, buf []byte) (int, error) {
			if dev.Ops.Read == nil {
				return 0, kerrno.ENOSYS
			}
			return dev.Ops.Read(dev, buf)
		},
		Write: func(f *vfs.File, buf []byte) (int, error) {
			if dev.Ops.Write == nil {
				return 0, kerrno.ENOSYS
			}
			return dev.Ops.Write(dev, buf)
		},
		Ioctl: func(f *vfs.File, cmd uint32, arg interface{}) (int, error) {
			if dev.Ops.Ioctl == nil {
				return 0, kerrno.ENOTTY
			}
			return dev.Ops.Ioctl(dev, cmd, arg)
		},
		Isatty: func(f *vfs.File) bool {
			if dev.Ops.Isatty == nil {
				return false
			}
			return dev.Ops.Isatty(dev)
		},
		Poll: func(f *vfs.File) (bool, bool) {
			if dev.Ops.Poll == nil {
				return false, false
			}
			return dev.Ops.Poll(dev)
		},
	}
}

// Mount builds the vfs.MountPoint for /dev. Opening "/" (the directory
// itself) yields a directory handle whose Readdir enumerates every
// registered device; opening any other path looks the device up by its
// path relative to /dev (spec.md §4.6: "/dev itself is a directory that
// lists all registered devices via readdir").
func Mount(reg *Registry) *vfs.MountPoint {
	return &vfs.MountPoint{
		Path:   "/dev",
		FSKind: "devfs",
		Ops: &vfs.MountOps{
			OpenPath: func(ctx interface{}, rel string, flags int, mode uint32) (*vfs.Ops, interface{}, bool, error) {
				name := strings.TrimPrefix(rel, "/")
				if name == "" {
					return dirOps(reg), nil, true, nil
				}
				dev, ok := reg.FindByName(name)
				if !ok {
					return nil, nil, false, errors.Wrapf(kerrno.ENOENT, "devfs: no device %q", name)
				}
				if dev.Ops.Open != nil {
					if err := dev.Ops.Open(dev); err != nil {
						return nil, nil, false, err
					}
				}
				return toVFSOps(dev), dev, false, nil
			},
		},
	}
}

func dirOps(reg *Registry) *vfs.Ops {
	return &vfs.Ops{
		Readdir: func(f *vfs.File) ([]vfs.DirEntry, error) {
			devices := reg.List()
			entries := make([]vfs.DirEntry, 0, len(devices))
			for _, d := range devices {
				entries = append(entries, vfs.DirEntry{Name: d.Name})
			}
			return entries, nil
		},
	}
}
