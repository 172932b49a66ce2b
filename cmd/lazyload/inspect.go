package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/sarchlab/lazyload/loader"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct{}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print the segment table of an executable"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect <program.elf>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Inspect) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	_, log, _ := commandArgs(args)

	img, err := loader.Parse(f.Arg(0))
	if err != nil {
		log.WithError(err).Error("failed to parse executable")
		return subcommands.ExitFailure
	}

	printImage(os.Stdout, img)
	return subcommands.ExitSuccess
}

func printImage(w io.Writer, img *loader.Image) {
	fmt.Fprintf(w, "Entry point: 0x%x\n", img.Entry)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tVADDR\tFILESZ\tMEMSZ\tOFFSET\tPERM\tPAGES")
	for i, s := range img.Segments {
		fmt.Fprintf(tw, "%d\t0x%x\t0x%x\t0x%x\t0x%x\t%s\t%d\n",
			i, s.VirtAddr, s.FileSize, s.MemSize, s.FileOffset, s.Perm, s.Pages())
	}
	_ = tw.Flush()
}
