package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"wos/internal/coredump"
)

func newCoredumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coredump <file>",
		Short: "decode a WOSCODMP coredump file and print its header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "coredump: read %q", args[0])
			}
			d, err := coredump.Parse(data)
			if err != nil {
				return errors.Wrap(err, "coredump: parse")
			}
			printCoredump(cmd, d)
			return nil
		},
	}
	return cmd
}

func printCoredump(cmd *cobra.Command, d *coredump.CoreDump) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version:     %d\n", d.Version)
	fmt.Fprintf(out, "pid:         %d\n", d.Pid)
	fmt.Fprintf(out, "cpu:         %d\n", d.Cpu)
	fmt.Fprintf(out, "timestamp:   %d\n", d.Timestamp)
	fmt.Fprintf(out, "interrupt:   %d (err %#x, cr2 %#x)\n", d.IntNum, d.ErrCode, d.CR2)
	fmt.Fprintf(out, "trap rip:    %#x  cs %#x  rflags %#x  rsp %#x  ss %#x\n",
		d.TrapFrame.RIP, d.TrapFrame.CS, d.TrapFrame.RFLAGS, d.TrapFrame.RSP, d.TrapFrame.SS)
	fmt.Fprintf(out, "saved rip:   %#x  rsp %#x\n", d.SavedFrame.RIP, d.SavedFrame.RSP)
	fmt.Fprintf(out, "task entry:  %#x  pagemap %#x\n", d.TaskEntry, d.TaskPagemap)
	fmt.Fprintf(out, "segments (%d):\n", d.SegmentCount)
	for i, seg := range d.Segments {
		if seg.Size == 0 && seg.Vaddr == 0 {
			continue
		}
		fmt.Fprintf(out, "  [%d] vaddr=%#x size=%d type=%d present=%d\n", i, seg.Vaddr, seg.Size, seg.Type, seg.Present)
	}
	if len(d.EmbeddedELF) > 0 {
		fmt.Fprintf(out, "embedded ELF: %d bytes\n", len(d.EmbeddedELF))
	}
}
