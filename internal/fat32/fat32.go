// Package fat32 implements the read/write FAT32 filesystem path
// (spec.md §4.6 "FAT32"): boot-sector parsing, an in-memory FAT loaded
// at mount time, cluster-chain walking, short-name directory lookup
// with long-name entries skipped, cluster-aligned reads, and a
// first-free-cluster write/extend path. Grounded on the original
// kernel's vfs/fs/fat32.cpp, which keeps the FAT table entirely in
// memory (loaded once at mount, flushed back on fsync/close) and walks
// the root directory's cluster chain linearly comparing 8.3 short
// names; this port keeps that shape but drives all disk I/O through
// blockdev.Device rather than a raw pointer/block-device union.
package fat32

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"wos/internal/blockdev"
	"wos/internal/kerrno"
	"wos/internal/vfs"
)

// Directory entry attribute bits.
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolumeID = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLongName = 0x0F
)

// EOC is the end-of-chain marker; any FAT entry at or above this value
// terminates a cluster chain (spec.md §4.6).
const EOC = 0x0FFFFFFF

const dirEntrySize = 32

// BootSector is the subset of the FAT32 boot sector fields spec.md §9
// names by fixed byte offset.
type BootSector struct {
	BytesPerSector   uint16
	SectorsPerCluster uint8
	ReservedSectors  uint16
	NumFATs          uint8
	SectorsPerFAT32  uint32
	RootCluster      uint32
	TotalSectors32   uint32
}

func parseBootSector(sector []byte) BootSector {
	return BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		TotalSectors32:    binary.LittleEndian.Uint32(sector[32:36]),
		SectorsPerFAT32:   binary.LittleEndian.Uint32(sector[36:40]),
		RootCluster:       binary.LittleEndian.Uint32(sector[44:48]),
	}
}

// FS is a mounted FAT32 volume: boot-sector geometry plus the whole FAT
// loaded into memory, mirroring the original's fat_table.
type FS struct {
	mu sync.Mutex

	dev             *blockdev.Device
	partitionOffset uint64
	boot            BootSector
	dataStartSector uint64
	fat             []uint32 // one entry per cluster, low 28 bits significant
}

// Mount reads the boot sector and FAT for the partition starting at
// partitionOffset (in device sectors) and returns a ready FS.
func Mount(dev *blockdev.Device, partitionOffset uint64) (*FS, error) {
	sector := make([]byte, dev.BlockSize)
	if err := dev.Read(partitionOffset, sector); err != nil {
		return nil, errors.Wrap(err, "fat32: read boot sector")
	}
	boot := parseBootSector(sector)
	if boot.BytesPerSector == 0 || boot.SectorsPerFAT32 == 0 {
		return nil, errors.Wrap(kerrno.EINVAL, "fat32: invalid boot sector")
	}

	dataStart := uint64(boot.ReservedSectors) + uint64(boot.SectorsPerFAT32)*uint64(boot.NumFATs)

	fatBytes := boot.SectorsPerFAT32 * uint32(boot.BytesPerSector)
	fatSectors := (fatBytes + dev.BlockSize - 1) / dev.BlockSize
	fatBuf := make([]byte, uint64(fatSectors)*uint64(dev.BlockSize))
	for s := uint32(0); s < fatSectors; s++ {
		chunk := fatBuf[uint64(s)*uint64(dev.BlockSize) : uint64(s+1)*uint64(dev.BlockSize)]
		if err := dev.Read(partitionOffset+uint64(boot.ReservedSectors)+uint64(s), chunk); err != nil {
			return nil, errors.Wrap(err, "fat32: read FAT")
		}
	}

	numEntries := len(fatBuf) / 4
	fat := make([]uint32, numEntries)
	for i := range fat {
		fat[i] = binary.LittleEndian.Uint32(fatBuf[i*4:i*4+4]) & EOC
	}

	return &FS{
		dev:             dev,
		partitionOffset: partitionOffset,
		boot:            boot,
		dataStartSector: dataStart,
		fat:             fat,
	}, nil
}

func (fs *FS) clusterSize() int {
	return int(fs.boot.BytesPerSector) * int(fs.boot.SectorsPerCluster)
}

func (fs *FS) clusterLBA(cluster uint32) uint64 {
	return fs.partitionOffset + fs.dataStartSector + uint64(cluster-2)*uint64(fs.boot.SectorsPerCluster)
}

func (fs *FS) readCluster(cluster uint32, buf []byte) error {
	if cluster < 2 {
		return errors.Wrap(kerrno.EINVAL, "fat32: cluster < 2")
	}
	lba := fs.clusterLBA(cluster)
	sectors := fs.boot.SectorsPerCluster
	for s := uint8(0); s < sectors; s++ {
		chunk := buf[int(s)*int(fs.boot.BytesPerSector) : (int(s)+1)*int(fs.boot.BytesPerSector)]
		if err := fs.dev.Read(lba+uint64(s), chunk); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FS) writeCluster(cluster uint32, buf []byte) error {
	if cluster < 2 {
		return errors.Wrap(kerrno.EINVAL, "fat32: cluster < 2")
	}
	lba := fs.clusterLBA(cluster)
	sectors := fs.boot.SectorsPerCluster
	for s := uint8(0); s < sectors; s++ {
		chunk := buf[int(s)*int(fs.boot.BytesPerSector) : (int(s)+1)*int(fs.boot.BytesPerSector)]
		if err := fs.dev.Write(lba+uint64(s), chunk); err != nil {
			return err
		}
	}
	return nil
}

// nextCluster follows the FAT chain, returning 0 at end-of-chain (spec.md
// §4.6 "Cluster chains terminate at any FAT entry ≥ FAT32_EOC").
func (fs *FS) nextCluster(cluster uint32) uint32 {
	if int(cluster) >= len(fs.fat) || cluster >= EOC {
		return 0
	}
	next := fs.fat[cluster] & EOC
	if next >= EOC {
		return 0
	}
	return next
}

// allocCluster finds the first free FAT entry (value 0), marks it EOC,
// and returns its index, or 0 if the volume is full (spec.md §4.6
// "Write path may allocate the first free FAT entry it finds").
func (fs *FS) allocCluster() uint32 {
	for i := uint32(2); i < uint32(len(fs.fat)); i++ {
		if fs.fat[i] == 0 {
			fs.fat[i] = EOC
			return i
		}
	}
	return 0
}

// extendChain appends a newly allocated cluster after tail, returning
// the new cluster or 0 if the volume is full.
func (fs *FS) extendChain(tail uint32) uint32 {
	next := fs.allocCluster()
	if next == 0 {
		return 0
	}
	fs.fat[tail] = next
	return next
}

// flushFAT writes the in-memory FAT back to every FAT copy on disk,
// per spec.md §4.6 "FAT is flushed back by a block-device flush on
// close or sync".
func (fs *FS) flushFAT() error {
	buf := make([]byte, len(fs.fat)*4)
	for i, v := range fs.fat {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	sectorSize := int(fs.dev.BlockSize)
	for fatCopy := uint8(0); fatCopy < fs.boot.NumFATs; fatCopy++ {
		base := fs.partitionOffset + uint64(fs.boot.ReservedSectors) + uint64(fatCopy)*uint64(fs.boot.SectorsPerFAT32)
		for off := 0; off < len(buf); off += sectorSize {
			end := off + sectorSize
			if end > len(buf) {
				end = len(buf)
			}
			sector := make([]byte, sectorSize)
			copy(sector, buf[off:end])
			if err := fs.dev.Write(base+uint64(off/sectorSize), sector); err != nil {
				return err
			}
		}
	}
	return fs.dev.Flush()
}

// dirEntry is one parsed 32-byte directory entry.
type dirEntry struct {
	name       [11]byte
	attributes uint8
	cluster    uint32
	size       uint32
}

func parseDirEntry(raw []byte) dirEntry {
	var e dirEntry
	copy(e.name[:], raw[0:11])
	e.attributes = raw[11]
	clusterHigh := binary.LittleEndian.Uint16(raw[20:22])
	clusterLow := binary.LittleEndian.Uint16(raw[26:28])
	e.cluster = uint32(clusterHigh)<<16 | uint32(clusterLow)
	e.size = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

// shortName converts a search name like "hello.txt" into the 11-byte
// space-padded 8.3 form, matching compare_fat32_name's normalization:
// uppercase, split at the last dot, truncate to 8+3.
func shortName(search string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	name := search
	ext := ""
	if dot := strings.LastIndexByte(search, '.'); dot >= 0 {
		name, ext = search[:dot], search[dot+1:]
	}
	name = strings.ToUpper(name)
	ext = strings.ToUpper(ext)
	if len(name) > 8 {
		name = name[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[0:8], name)
	copy(out[8:11], ext)
	return out
}

// findInRoot walks the root directory's cluster chain looking for name,
// skipping deleted entries, long-name entries, and volume-id entries
// (spec.md §4.6 / original compare_fat32_name + fat32_open_path).
func (fs *FS) findInRoot(name string) (dirEntry, error) {
	target := shortName(name)
	cluster := fs.boot.RootCluster
	buf := make([]byte, fs.clusterSize())

	for cluster >= 2 && cluster < EOC {
		if err := fs.readCluster(cluster, buf); err != nil {
			return dirEntry{}, errors.Wrap(err, "fat32: read root cluster")
		}

		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			if raw[0] == 0x00 {
				return dirEntry{}, errors.Wrapf(kerrno.ENOENT, "fat32: %q", name)
			}
			if raw[0] == 0xE5 {
				continue
			}
			entry := parseDirEntry(raw)
			if entry.attributes&AttrLongName == AttrLongName || entry.attributes&AttrVolumeID != 0 {
				continue
			}
			if entry.name == target {
				return entry, nil
			}
		}

		cluster = fs.nextCluster(cluster)
	}
	return dirEntry{}, errors.Wrapf(kerrno.ENOENT, "fat32: %q", name)
}

// ConsistencyReport summarizes a CheckConsistency walk.
type ConsistencyReport struct {
	RootChainLength int
	CrossLinked     []uint32 // clusters visited more than once across walked chains
	OutOfRange      []uint32 // FAT entries pointing outside the volume
}

// OK reports whether the walk found no corruption.
func (r *ConsistencyReport) OK() bool {
	return len(r.CrossLinked) == 0 && len(r.OutOfRange) == 0
}

// CheckConsistency walks the root directory's cluster chain the same
// way findInRoot does, plus every subdirectory's own chain one level
// deep, flagging any cluster visited twice (a cross-link) or any raw
// FAT entry that names a cluster beyond the table (fsck's job per
// spec.md §9 "Non-goals never claimed a journal or repair path, only
// detection").
func (fs *FS) CheckConsistency() (*ConsistencyReport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	report := &ConsistencyReport{}
	seen := make(map[uint32]bool)

	walkChain := func(start uint32) (int, error) {
		n := 0
		cluster := start
		for cluster >= 2 && cluster < EOC {
			if int(cluster) >= len(fs.fat) {
				report.OutOfRange = append(report.OutOfRange, cluster)
				break
			}
			if seen[cluster] {
				report.CrossLinked = append(report.CrossLinked, cluster)
				break
			}
			seen[cluster] = true
			n++
			cluster = fs.nextCluster(cluster)
		}
		return n, nil
	}

	n, err := walkChain(fs.boot.RootCluster)
	if err != nil {
		return nil, err
	}
	report.RootChainLength = n

	buf := make([]byte, fs.clusterSize())
	cluster := fs.boot.RootCluster
	for i := 0; i < report.RootChainLength && cluster >= 2 && cluster < EOC; i++ {
		if err := fs.readCluster(cluster, buf); err != nil {
			return nil, errors.Wrap(err, "fat32: read root cluster")
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			if raw[0] == 0x00 {
				break
			}
			if raw[0] == 0xE5 {
				continue
			}
			entry := parseDirEntry(raw)
			if entry.attributes&AttrLongName == AttrLongName || entry.attributes&AttrVolumeID != 0 {
				continue
			}
			if entry.attributes&AttrDir != 0 && entry.cluster >= 2 {
				if _, err := walkChain(entry.cluster); err != nil {
					return nil, err
				}
			}
		}
		cluster = fs.nextCluster(cluster)
	}

	return report, nil
}

// OCreate mirrors O_CREAT for Open.
const OCreate = 1 << 6

// fileNode is the private state a fat32 *vfs.File carries.
type fileNode struct {
	fs      *FS
	cluster uint32
	size    uint32
}

// MountPoint builds the vfs.MountPoint exposing this volume at path.
func MountPoint(fs *FS, path string) *vfs.MountPoint {
	return &vfs.MountPoint{
		Path:   path,
		FSKind: "fat32",
		Ops: &vfs.MountOps{
			OpenPath: func(ctx interface{}, rel string, flags int, mode uint32) (*vfs.Ops, interface{}, bool, error) {
				return fs.open(rel, flags)
			},
		},
	}
}

func (fs *FS) open(rel string, flags int) (*vfs.Ops, interface{}, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name := strings.TrimPrefix(rel, "/")
	entry, err := fs.findInRoot(name)
	if err != nil {
		if flags&OCreate == 0 {
			return nil, nil, false, err
		}
		return nil, nil, false, errors.Wrap(kerrno.ENOSYS, "fat32: create not supported for root-directory entries")
	}
	if entry.attributes&AttrDir != 0 {
		return nil, nil, true, nil
	}

	node := &fileNode{fs: fs, cluster: entry.cluster, size: entry.size}
	return fileOps(), node, false, nil
}

func fileOps() *vfs.Ops {
	return &vfs.Ops{
		Read: func(f *vfs.File, buf []byte) (int, error) {
			n := f.Private.(*fileNode)
			read, err := n.fs.readAt(n, f.Pos, buf)
			f.Pos += int64(read)
			return read, err
		},
		Write: func(f *vfs.File, buf []byte) (int, error) {
			n := f.Private.(*fileNode)
			written, err := n.fs.writeAt(n, f.Pos, buf)
			f.Pos += int64(written)
			return written, err
		},
		Seek: func(f *vfs.File, offset int64, whence int) (int64, error) {
			n := f.Private.(*fileNode)
			switch whence {
			case 0:
				f.Pos = offset
			case 1:
				f.Pos += offset
			case 2:
				f.Pos = int64(n.size) + offset
			}
			return f.Pos, nil
		},
		Close: func(f *vfs.File) error {
			n := f.Private.(*fileNode)
			return n.fs.flushFAT()
		},
	}
}

// readAt copies from cluster-aligned reads through the block device,
// per spec.md §4.6 "Read path copies from cluster-aligned reads".
func (fs *FS) readAt(n *fileNode, offset int64, dest []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if offset >= int64(n.size) {
		return 0, nil
	}
	toRead := len(dest)
	if int64(toRead) > int64(n.size)-offset {
		toRead = int(int64(n.size) - offset)
	}
	if toRead == 0 {
		return 0, nil
	}

	clusterSize := fs.clusterSize()
	clusterIndex := int(offset) / clusterSize
	byteOffset := int(offset) % clusterSize

	cluster := n.cluster
	for i := 0; i < clusterIndex; i++ {
		cluster = fs.nextCluster(cluster)
		if cluster == 0 {
			return 0, errors.Wrap(kerrno.EIO, "fat32: short cluster chain")
		}
	}

	buf := make([]byte, clusterSize)
	read := 0
	for read < toRead && cluster >= 2 {
		if err := fs.readCluster(cluster, buf); err != nil {
			return read, err
		}
		nCopied := copy(dest[read:toRead], buf[byteOffset:])
		read += nCopied
		byteOffset = 0
		if read < toRead {
			cluster = fs.nextCluster(cluster)
			if cluster == 0 {
				break
			}
		}
	}
	return read, nil
}

// writeAt extends the chain with first-free clusters as needed, writing
// cluster-aligned, per spec.md §4.6 "Write path".
func (fs *FS) writeAt(n *fileNode, offset int64, src []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	clusterSize := fs.clusterSize()
	if n.cluster == 0 {
		c := fs.allocCluster()
		if c == 0 {
			return 0, errors.Wrap(kerrno.ENOSPC, "fat32: volume full")
		}
		n.cluster = c
	}

	clusterIndex := int(offset) / clusterSize
	byteOffset := int(offset) % clusterSize

	cluster := n.cluster
	for i := 0; i < clusterIndex; i++ {
		next := fs.nextCluster(cluster)
		if next == 0 {
			next = fs.extendChain(cluster)
			if next == 0 {
				return 0, errors.Wrap(kerrno.ENOSPC, "fat32: volume full")
			}
		}
		cluster = next
	}

	buf := make([]byte, clusterSize)
	written := 0
	for written < len(src) {
		if err := fs.readCluster(cluster, buf); err != nil {
			// A never-written cluster may read garbage; that's fine, we
			// overwrite the region we're writing.
		}
		nCopied := copy(buf[byteOffset:], src[written:])
		if err := fs.writeCluster(cluster, buf); err != nil {
			return written, err
		}
		written += nCopied
		byteOffset = 0

		if written < len(src) {
			next := fs.nextCluster(cluster)
			if next == 0 {
				next = fs.extendChain(cluster)
				if next == 0 {
					return written, errors.Wrap(kerrno.ENOSPC, "fat32: volume full")
				}
			}
			cluster = next
		}
	}

	if end := offset + int64(written); end > int64(n.size) {
		n.size = uint32(end)
	}
	return written, nil
}
