package fat32_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/blockdev"
	"wos/internal/fat32"
	"wos/internal/vfs"
)

const blockSize = 512

// buildVolume constructs a minimal in-memory FAT32 volume: boot sector,
// one FAT, a root directory in cluster 2 containing one file entry
// pointing at cluster 3, whose single cluster holds fileContent.
func buildVolume(t *testing.T, fileName string, fileContent []byte) *blockdev.Device {
	t.Helper()

	const reservedSectors = 1
	const sectorsPerFAT = 1
	const sectorsPerCluster = 1
	const numFATs = 1
	const dataStart = reservedSectors + sectorsPerFAT*numFATs // sector 2

	totalSectors := dataStart + 8
	disk := make([]byte, uint64(totalSectors)*blockSize)

	boot := disk[0:blockSize]
	binary.LittleEndian.PutUint16(boot[11:13], blockSize)
	boot[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], reservedSectors)
	boot[16] = numFATs
	binary.LittleEndian.PutUint32(boot[32:36], uint32(totalSectors))
	binary.LittleEndian.PutUint32(boot[36:40], sectorsPerFAT)
	binary.LittleEndian.PutUint32(boot[44:48], 2) // root cluster 2

	fat := disk[reservedSectors*blockSize : (reservedSectors+sectorsPerFAT)*blockSize]
	binary.LittleEndian.PutUint32(fat[2*4:2*4+4], fat32.EOC) // root dir cluster 2: EOC
	binary.LittleEndian.PutUint32(fat[3*4:3*4+4], fat32.EOC) // file cluster 3: EOC

	rootCluster := disk[dataStart*blockSize : (dataStart+1)*blockSize]
	entry := rootCluster[0:32]
	var shortName [11]byte
	for i := range shortName {
		shortName[i] = ' '
	}
	copy(shortName[:], padShortName(fileName))
	copy(entry[0:11], shortName[:])
	entry[11] = 0x20 // archive
	binary.LittleEndian.PutUint16(entry[20:22], 0)
	binary.LittleEndian.PutUint16(entry[26:28], 3) // cluster low = 3
	binary.LittleEndian.PutUint32(entry[28:32], uint32(len(fileContent)))

	fileCluster := disk[(dataStart+1)*blockSize : (dataStart+2)*blockSize]
	copy(fileCluster, fileContent)

	return &blockdev.Device{
		Name: "sdb", BlockSize: blockSize, TotalBlocks: uint64(totalSectors),
		Ops: &blockdev.Ops{
			Read: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(buf, disk[start*blockSize:])
				return nil
			},
			Write: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(disk[start*blockSize:], buf)
				return nil
			},
			Flush: func(dev *blockdev.Device) error { return nil },
		},
	}
}

// padShortName converts "HELLO.TXT" into its 11-byte space-padded form.
func padShortName(name string) []byte {
	out := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dot := -1
	for i, c := range name {
		if c == '.' {
			dot = i
			break
		}
	}
	base, ext := name, ""
	if dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out[:]
}

func TestOpenReadsFileContent(t *testing.T) {
	dev := buildVolume(t, "HELLO.TXT", []byte("hello fat32 world"))
	fs, err := fat32.Mount(dev, 0)
	require.NoError(t, err)

	v := vfs.New()
	v.Mount(fat32.MountPoint(fs, "/mnt/disk"))
	fds := vfs.NewFDTable()

	fd, err := v.Open(fds, "/mnt/disk/HELLO.TXT", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello fat32 world", string(buf[:n]))
}

func TestOpenMissingFileFails(t *testing.T) {
	dev := buildVolume(t, "HELLO.TXT", []byte("x"))
	fs, err := fat32.Mount(dev, 0)
	require.NoError(t, err)

	v := vfs.New()
	v.Mount(fat32.MountPoint(fs, "/mnt/disk"))
	fds := vfs.NewFDTable()

	_, err = v.Open(fds, "/mnt/disk/NOPE.TXT", 0, 0)
	assert.Error(t, err)
}

func TestWriteOverwritesWithinAllocatedCluster(t *testing.T) {
	dev := buildVolume(t, "HELLO.TXT", []byte("hello"))
	fs, err := fat32.Mount(dev, 0)
	require.NoError(t, err)

	v := vfs.New()
	v.Mount(fat32.MountPoint(fs, "/mnt/disk"))
	fds := vfs.NewFDTable()

	fd, err := v.Open(fds, "/mnt/disk/HELLO.TXT", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	n, err := f.Write([]byte("HI"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "HI", string(buf))
}

func TestCheckConsistencyReportsCleanVolume(t *testing.T) {
	dev := buildVolume(t, "HELLO.TXT", []byte("hello fat32 world"))
	fs, err := fat32.Mount(dev, 0)
	require.NoError(t, err)

	report, err := fs.CheckConsistency()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.RootChainLength)
}

func TestCheckConsistencyFlagsCrossLinkedChain(t *testing.T) {
	const reservedSectors = 1
	const sectorsPerFAT = 1
	const dataStart = reservedSectors + sectorsPerFAT

	totalSectors := dataStart + 4
	disk := make([]byte, uint64(totalSectors)*blockSize)

	boot := disk[0:blockSize]
	binary.LittleEndian.PutUint16(boot[11:13], blockSize)
	boot[13] = 1 // sector per cluster
	binary.LittleEndian.PutUint16(boot[14:16], reservedSectors)
	boot[16] = 1 // one FAT
	binary.LittleEndian.PutUint32(boot[32:36], uint32(totalSectors))
	binary.LittleEndian.PutUint32(boot[36:40], sectorsPerFAT)
	binary.LittleEndian.PutUint32(boot[44:48], 2) // root cluster 2

	fat := disk[reservedSectors*blockSize : (reservedSectors+sectorsPerFAT)*blockSize]
	// Root cluster's chain loops back on itself instead of terminating,
	// the corruption CheckConsistency's seen-set is meant to catch.
	binary.LittleEndian.PutUint32(fat[2*4:2*4+4], 2)

	dev := &blockdev.Device{
		Name: "sdb", BlockSize: blockSize, TotalBlocks: uint64(totalSectors),
		Ops: &blockdev.Ops{
			Read: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(buf, disk[start*blockSize:])
				return nil
			},
			Write: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(disk[start*blockSize:], buf)
				return nil
			},
			Flush: func(dev *blockdev.Device) error { return nil },
		},
	}

	fs, err := fat32.Mount(dev, 0)
	require.NoError(t, err)

	report, err := fs.CheckConsistency()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Contains(t, report.CrossLinked, uint32(2))
}
