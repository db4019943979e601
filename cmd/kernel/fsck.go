package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"wos/internal/blockdev"
	"wos/internal/fat32"
	"wos/internal/gpt"
)

func newFsckCommand() *cobra.Command {
	var imagePath string
	var sectorSize uint32

	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "walk a FAT32 partition inside a raw disk image and report corruption",
		Long: "fsck reads a raw disk image from disk, locates its FAT32-bearing\n" +
			"partition via the GPT, and walks the root directory's cluster chain\n" +
			"(plus one level of subdirectories) looking for cross-linked chains\n" +
			"and FAT entries pointing outside the volume. It never repairs\n" +
			"anything; detection only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := loadImageAsBlockDevice(imagePath, sectorSize)
			if err != nil {
				return err
			}
			offset, err := gpt.FindFAT32Partition(dev)
			if err != nil {
				return errors.Wrap(err, "fsck: locate FAT32 partition")
			}
			fs, err := fat32.Mount(dev, offset)
			if err != nil {
				return errors.Wrap(err, "fsck: mount FAT32 volume")
			}
			report, err := fs.CheckConsistency()
			if err != nil {
				return errors.Wrap(err, "fsck: consistency walk")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "root chain length: %d clusters\n", report.RootChainLength)
			if report.OK() {
				fmt.Fprintln(out, "clean")
				return nil
			}
			for _, c := range report.CrossLinked {
				fmt.Fprintf(out, "cross-linked cluster: %d\n", c)
			}
			for _, c := range report.OutOfRange {
				fmt.Fprintf(out, "out-of-range FAT entry: %d\n", c)
			}
			return errors.New("fsck: corruption found")
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "path to a raw disk image (required)")
	cmd.Flags().Uint32Var(&sectorSize, "sector-size", defaultSectorSize, "sector size in bytes")
	cmd.MarkFlagRequired("image")

	return cmd
}

// loadImageAsBlockDevice slurps a raw disk image into memory and wraps
// it as a blockdev.Device, the same in-memory-media shape fat32's own
// tests build by hand.
func loadImageAsBlockDevice(path string, sectorSize uint32) (*blockdev.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "fsck: read disk image %q", path)
	}
	if sectorSize == 0 {
		sectorSize = defaultSectorSize
	}
	totalSectors := uint64(len(data)) / uint64(sectorSize)

	return &blockdev.Device{
		Name: "image", BlockSize: sectorSize, TotalBlocks: totalSectors,
		Ops: &blockdev.Ops{
			Read: func(_ *blockdev.Device, start uint64, buf []byte) error {
				off := start * uint64(sectorSize)
				if off >= uint64(len(data)) {
					return errors.New("fsck: read beyond end of image")
				}
				copy(buf, data[off:])
				return nil
			},
			Write: func(_ *blockdev.Device, start uint64, buf []byte) error {
				off := start * uint64(sectorSize)
				if off >= uint64(len(data)) {
					return errors.New("fsck: write beyond end of image")
				}
				copy(data[off:], buf)
				return nil
			},
			Flush: func(*blockdev.Device) error { return nil },
		},
	}, nil
}
