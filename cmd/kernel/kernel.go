package main

import (
	"net"
	"os"

	"github.com/pkg/errors"

	"wos/internal/ahci"
	"wos/internal/blockdev"
	"wos/internal/devfs"
	"wos/internal/fat32"
	"wos/internal/gpt"
	"wos/internal/kerrno"
	"wos/internal/klog"
	"wos/internal/ksignal"
	"wos/internal/net/arp"
	"wos/internal/pci"
	"wos/internal/percpu"
	"wos/internal/physmem"
	"wos/internal/procfs"
	"wos/internal/pty"
	"wos/internal/task"
	"wos/internal/tmpfs"
	"wos/internal/vfs"
)

// syntheticAHCIVendor/Device mirror the ICH9 AHCI controller QEMU's
// q35 machine type exposes by default, the pair DiscoverController's
// vendorOverrides path exists for.
const (
	syntheticAHCIVendor = 0x8086
	syntheticAHCIDevice = 0x2922
)

// Kernel bundles one fully brought-up instance of every subsystem the
// boot sequence wires together (spec.md §1's five subsystems plus the
// VFS/devfs/tmpfs/procfs/FAT32, PCI, and signal-delivery supporting
// cast).
type Kernel struct {
	Log *klog.Logger

	Zone  *physmem.PhysZone
	CPUs  *percpu.Table
	Sched *task.Scheduler
	Sig   *ksignal.Dispatcher

	PCI   *pci.Bus
	HBA   *ahci.HBA
	Block *blockdev.Registry

	VFS   *vfs.VFS
	Devfs *devfs.Registry
	TTYs  *pty.Pool

	ARP *arp.Cache

	currentPid task.Pid
}

// noopTransmitter discards frames; wired in place of a real network
// driver, which spec.md §4.8 explicitly leaves out of scope.
type noopTransmitter struct{}

func (noopTransmitter) Transmit([]byte) error { return nil }

// Boot assembles a Kernel from cfg: physical memory, per-CPU state, the
// scheduler, PCI/AHCI discovery and bring-up, the VFS with devfs/tmpfs/
// procfs/FAT32 mounted, the PTY pool, and the ARP cache.
func Boot(cfg *BootConfig, log *klog.Logger) (*Kernel, error) {
	k := &Kernel{Log: log}

	k.Zone = physmem.NewZone(cfg.UsableBytes())
	k.CPUs = percpu.NewTable(cfg.NCPU, cfg.SyscallStackSize, cfg.KernelStackSize)
	k.Sched = task.NewScheduler(cfg.NCPU)
	k.Sig = ksignal.NewDispatcher()
	k.Sig.TerminateOnDefault = true

	k.PCI = pci.NewBus()
	k.PCI.Attach(0, 2, 0, syntheticAHCIVendor, syntheticAHCIDevice, ahci.ClassMassStorage, ahci.SubclassSATA, 0)

	k.HBA = ahci.New(log.With("component", "ahci"))
	if _, found := ahci.DiscoverController(k.PCI, map[uint16][]uint16{syntheticAHCIVendor: {syntheticAHCIDevice}}); !found {
		return nil, errors.Wrap(kerrno.ENODEV, "kernel: no AHCI controller found on the simulated bus")
	}
	if err := k.HBA.AttachDevice(0, cfg.Disk.TotalSectors, cfg.Disk.SectorSize); err != nil {
		return nil, errors.Wrap(err, "kernel: attach AHCI device")
	}
	if err := k.HBA.Bringup(k.Zone); err != nil {
		return nil, errors.Wrap(err, "kernel: AHCI bring-up")
	}

	k.Block = blockdev.NewRegistry()
	if err := k.HBA.RegisterBlockDevices(k.Block, k.Zone); err != nil {
		return nil, errors.Wrap(err, "kernel: register AHCI block devices")
	}

	if cfg.Disk.Image != "" {
		if err := k.preloadDiskImage(cfg.Disk.Image); err != nil {
			return nil, err
		}
	}

	k.VFS = vfs.New()
	k.Devfs = devfs.NewRegistry()
	registerStandardDevices(k.Devfs)
	k.VFS.Mount(devfs.Mount(k.Devfs))
	k.VFS.Mount(tmpfs.Mount(tmpfs.New()))

	procFS := procfs.New(k.Sched.Registry, k.VFS, func() task.Pid { return k.currentPid })
	k.VFS.Mount(procfs.Mount(procFS))

	k.TTYs = pty.NewPool(k.Devfs, k.Sched.Registry)
	k.VFS.Mount(k.TTYs.MountPoint())

	if err := k.mountFAT32IfPresent(); err != nil {
		log.Warnf("kernel: no FAT32 partition mounted: %v", err)
	}

	localIP := net.IPv4(10, 0, 2, 15)
	localMAC := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	k.ARP = arp.NewCache(localIP, localMAC, noopTransmitter{})

	return k, nil
}

// preloadDiskImage writes an external raw disk image's bytes onto the
// first registered block device's simulated media, sector by sector.
func (k *Kernel) preloadDiskImage(path string) error {
	dev, err := k.Block.Find("sda")
	if err != nil {
		return errors.Wrap(err, "kernel: no block device to preload")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "kernel: open disk image %q", path)
	}
	defer f.Close()

	sector := make([]byte, dev.BlockSize)
	for lba := uint64(0); lba < dev.TotalBlocks; lba++ {
		n, err := f.Read(sector)
		if n == 0 || err != nil {
			break
		}
		for i := n; i < len(sector); i++ {
			sector[i] = 0
		}
		if err := dev.Write(lba, sector); err != nil {
			return errors.Wrapf(err, "kernel: write sector %d while preloading disk image", lba)
		}
	}
	return dev.Flush()
}

// mountFAT32IfPresent looks up the GPT on "sda" and, if a FAT32
// partition is found, mounts it at /mnt/disk (spec.md §9 scenario 1).
func (k *Kernel) mountFAT32IfPresent() error {
	dev, err := k.Block.Find("sda")
	if err != nil {
		return err
	}
	offset, err := gpt.FindFAT32Partition(dev)
	if err != nil {
		return err
	}
	fs, err := fat32.Mount(dev, offset)
	if err != nil {
		return err
	}
	k.VFS.Mount(fat32.MountPoint(fs, "/mnt/disk"))
	return nil
}

// SpawnInitTask creates pid 1, the root of the process tree, and posts
// it onto CPU 0's run queue.
func (k *Kernel) SpawnInitTask(stackSize int) (*task.Task, error) {
	t := task.New(1, 0, stackSize)
	if err := k.Sched.Spawn(t, 0); err != nil {
		return nil, err
	}
	k.currentPid = t.Pid
	return t, nil
}
