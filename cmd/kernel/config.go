package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"wos/internal/kerrno"
	"wos/internal/physmem"
)

// MemRegion is one bootloader-reported memory-map entry (spec.md §4.1
// "bring-up consumes a list of (base, length, type) entries; only
// usable entries larger than one page become physical zones").
type MemRegion struct {
	Base   uintptr `yaml:"base"`
	Length uintptr `yaml:"length"`
	Type   string  `yaml:"type"` // "usable" or "reserved"
}

// DiskConfig names an optional raw disk image to preload onto the
// simulated AHCI device's media before GPT/FAT32 discovery runs.
type DiskConfig struct {
	Image      string `yaml:"image"`
	TotalSectors uint64 `yaml:"total_sectors"`
	SectorSize   uint32 `yaml:"sector_size"`
}

// BootConfig is the YAML descriptor a boot/fsck invocation is driven
// from: the memory map bring-up walks, CPU topology, and the disk to
// attach to the simulated AHCI controller.
type BootConfig struct {
	MemoryMap []MemRegion `yaml:"memory_map"`
	NCPU      int         `yaml:"ncpu"`
	SyscallStackSize int  `yaml:"syscall_stack_size"`
	KernelStackSize  int  `yaml:"kernel_stack_size"`
	Disk      DiskConfig  `yaml:"disk"`
}

const (
	defaultSyscallStackSize = 8192
	defaultKernelStackSize  = 16384
	defaultSectorSize       = 512
)

// LoadBootConfig reads and validates a YAML boot descriptor from path.
func LoadBootConfig(path string) (*BootConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel: read boot config %q", path)
	}
	var cfg BootConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "kernel: parse boot config %q", path)
	}
	if len(cfg.MemoryMap) == 0 {
		return nil, errors.Wrap(kerrno.EINVAL, "kernel: boot config has an empty memory map")
	}
	if cfg.NCPU <= 0 {
		cfg.NCPU = 1
	}
	if cfg.SyscallStackSize <= 0 {
		cfg.SyscallStackSize = defaultSyscallStackSize
	}
	if cfg.KernelStackSize <= 0 {
		cfg.KernelStackSize = defaultKernelStackSize
	}
	if cfg.Disk.SectorSize == 0 {
		cfg.Disk.SectorSize = defaultSectorSize
	}
	if cfg.Disk.TotalSectors == 0 {
		cfg.Disk.TotalSectors = 65536
	}
	return &cfg, nil
}

// UsableBytes sums the length of every region typed "usable" (or left
// untyped) that is larger than one page; Boot sizes its single physmem
// zone from this total.
func (c *BootConfig) UsableBytes() uintptr {
	var total uintptr
	for _, r := range c.MemoryMap {
		if (r.Type == "usable" || r.Type == "") && r.Length > physmem.PageSize {
			total += r.Length
		}
	}
	return total
}
