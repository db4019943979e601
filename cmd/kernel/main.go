// Command kernel drives the simulated kernel core from the outside:
// booting it against a memory-map/disk-image descriptor, fscking a
// FAT32 image offline, and decoding WOSCODMP coredumps. It is not the
// kernel itself (a monoprocessor kernel core has no userspace process
// to exec it from); it is the harness that exercises every subsystem
// package the way an integration test would, plus an interactive shell
// for poking at the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "drive the monoprocessor kernel core's subsystems end to end",
	}
	cmd.AddCommand(newBootCommand())
	cmd.AddCommand(newFsckCommand())
	cmd.AddCommand(newCoredumpCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
