// Package blockdev implements the PageCache-absent BlockDevice registry
// (spec.md §3 "PageCache-absent BlockDevice"): major/minor, name, block
// size, total blocks, and read/write/flush operations over opaque
// per-device private data. Devices are registered once at driver init
// and never unregistered.
package blockdev

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
)

// Ops is a block device's capability table. Offsets and counts are in
// sectors of BlockSize bytes; callers are responsible for passing
// correctly sized buffers.
type Ops struct {
	Read  func(dev *Device, startSector uint64, buf []byte) error
	Write func(dev *Device, startSector uint64, buf []byte) error
	Flush func(dev *Device) error
}

// Device is one registered block device.
type Device struct {
	Major, Minor uint32
	Name         string
	BlockSize    uint32
	TotalBlocks  uint64
	Ops          *Ops
	Private      interface{}
}

func (d *Device) Read(startSector uint64, buf []byte) error {
	if d.Ops == nil || d.Ops.Read == nil {
		return kerrno.ENOSYS
	}
	return d.Ops.Read(d, startSector, buf)
}

func (d *Device) Write(startSector uint64, buf []byte) error {
	if d.Ops == nil || d.Ops.Write == nil {
		return kerrno.ENOSYS
	}
	return d.Ops.Write(d, startSector, buf)
}

func (d *Device) Flush() error {
	if d.Ops == nil || d.Ops.Flush == nil {
		return nil
	}
	return d.Ops.Flush(d)
}

// Registry is the system-wide block device table: registered once per
// device at driver init, never unregistered (spec.md §3 invariant).
type Registry struct {
	mu      sync.RWMutex
	devices []*Device
}

// NewRegistry constructs an empty block device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds dev. Names are assumed unique by the caller (the AHCI
// probe path assigns sda, sdb, … in discovery order).
func (r *Registry) Register(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, dev)
}

// Find looks up a device by name using an explicit bounded-length
// compare rather than a raw strcmp-style scan, resolving spec.md §9's
// ambiguity around block_device_find_by_name's unchecked manual compare.
func (r *Registry) Find(name string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if boundedEqual(d.Name, name, 64) {
			return d, nil
		}
	}
	return nil, errors.Wrapf(kerrno.ENODEV, "blockdev: %q", name)
}

// boundedEqual compares a and b for equality, refusing to compare past
// maxLen bytes of either string (guards against a pathologically long
// name causing unbounded work, the concern spec.md §9 flags).
func boundedEqual(a, b string, maxLen int) bool {
	if len(a) > maxLen || len(b) > maxLen {
		return false
	}
	return a == b
}

// List returns every registered device, sorted by name for deterministic
// enumeration (e.g. for /proc or a "lsblk"-style diagnostic).
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
