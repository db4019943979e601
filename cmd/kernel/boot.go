package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"wos/internal/klog"
)

func newBootCommand() *cobra.Command {
	var configPath string
	var shell bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "run the init sequence against a memory map and disk image",
		Long: "boot reads a YAML memory-map/device-topology descriptor, brings up\n" +
			"physical memory, per-CPU state, the scheduler, PCI/AHCI discovery,\n" +
			"and the VFS (devfs, tmpfs, procfs, and FAT32 if a partition is\n" +
			"found), then either prints a summary or drops into an interactive\n" +
			"shell over a simulated PTY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var log *klog.Logger
			var err error
			if verbose {
				log, err = klog.NewDevelopment()
				if err != nil {
					return err
				}
			} else {
				log = klog.NewNop()
			}

			cfg, err := LoadBootConfig(configPath)
			if err != nil {
				return err
			}

			k, err := Boot(cfg, log)
			if err != nil {
				return err
			}
			if _, err := k.SpawnInitTask(cfg.KernelStackSize); err != nil {
				return err
			}

			printBootSummary(cmd, k, cfg)

			if shell {
				return runInteractiveShell(k)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "boot.yaml", "path to the boot YAML descriptor")
	cmd.Flags().BoolVar(&shell, "shell", false, "drop into an interactive shell over a simulated pty after boot")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable development-mode structured logging during bring-up")

	return cmd
}

func printBootSummary(cmd *cobra.Command, k *Kernel, cfg *BootConfig) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "physical zone: %d usable pages, %d free\n", k.Zone.TotalUsablePages(), k.Zone.FreePages())
	fmt.Fprintf(out, "cpus: %d\n", k.CPUs.Count())
	fmt.Fprintf(out, "pci devices:\n")
	for _, d := range k.PCI.Enumerate() {
		fmt.Fprintf(out, "  %02x:%02x.%x  vendor=%04x device=%04x class=%02x:%02x\n",
			d.Bus, d.Slot, d.Func, d.VendorID, d.DeviceID, d.Class, d.Subclass)
	}
	fmt.Fprintf(out, "block devices:\n")
	for _, dev := range k.Block.List() {
		fmt.Fprintf(out, "  %s  %d x %d bytes\n", dev.Name, dev.TotalBlocks, dev.BlockSize)
	}
	fmt.Fprintf(out, "mounts:\n")
	for _, mp := range k.VFS.Mounts() {
		fmt.Fprintf(out, "  %s (%s)\n", mp.Path, mp.FSKind)
	}
}
