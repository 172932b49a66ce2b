package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/sarchlab/lazyload/bootstrap"
	"github.com/sarchlab/lazyload/emu"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	maps       bool
	stats      bool
	maxInstr   uint64
	cpuProfile string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run an executable, paging its segments in on first touch"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <program.elf> [args...]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.maps, "maps", false, "print the address space mappings when the program ends")
	f.BoolVar(&r.stats, "stats", false, "print paging statistics when the program ends")
	f.Uint64Var(&r.maxInstr, "max-instr", 0, "max instructions to execute (0 = use the configuration)")
	f.StringVar(&r.cpuProfile, "cpuprofile", "", "write cpu profile to file")
}

// Execute implements subcommands.Command.Execute. The program's exit status
// is stored for main to exit with.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, log, status := commandArgs(args)

	if r.maxInstr > 0 {
		cfg.Exec.MaxInstructions = r.maxInstr
	}

	if r.cpuProfile != "" {
		pf, err := os.Create(r.cpuProfile)
		if err != nil {
			log.WithError(err).Error("failed to create CPU profile")
			return subcommands.ExitFailure
		}
		defer func() { _ = pf.Close() }()

		if err := pprof.StartCPUProfile(pf); err != nil {
			log.WithError(err).Error("failed to start CPU profile")
			return subcommands.ExitFailure
		}
		defer pprof.StopCPUProfile()
	}

	l, err := bootstrap.New(cfg, bootstrap.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("failed to create loader")
		return subcommands.ExitFailure
	}

	if err := l.InstallFaultInterception(); err != nil {
		log.WithError(err).Error("failed to install fault interception")
		return subcommands.ExitFailure
	}

	path := f.Arg(0)
	exit, err := l.LoadAndRun(ctx, path, f.Args())
	if err != nil {
		log.WithError(err).Error("failed to run program")
		return subcommands.ExitFailure
	}

	if exit.Signaled() {
		log.WithField("path", path).Error(exit.String())
	}

	if r.maps {
		printMappings(os.Stderr, l)
	}
	if r.stats {
		printStats(os.Stderr, l.Stats(), exit)
	}

	*status = exit.Status()
	return subcommands.ExitSuccess
}

func printMappings(w io.Writer, l *bootstrap.Loader) {
	fmt.Fprintf(w, "Mappings:\n")
	for _, m := range l.AddressSpace().Mappings() {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

func printStats(w io.Writer, s bootstrap.Stats, exit emu.Exit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "Instructions:\t%d\t\n", exit.Instructions)
	fmt.Fprintf(tw, "Pages materialized:\t%d\t\n", s.Fault.Materialized)
	fmt.Fprintf(tw, "Bytes copied:\t%d\t\n", s.Fault.BytesCopied)
	fmt.Fprintf(tw, "Bytes zeroed:\t%d\t\n", s.Fault.BytesZeroed)
	fmt.Fprintf(tw, "Forwarded (outside):\t%d\t\n", s.Fault.ForwardedOutside)
	fmt.Fprintf(tw, "Forwarded (violation):\t%d\t\n", s.Fault.ForwardedViolations)
	fmt.Fprintf(tw, "Spurious faults:\t%d\t\n", s.Fault.Spurious)
	fmt.Fprintf(tw, "Faults:\t%d\t\n", s.Memory.Faults)
	fmt.Fprintf(tw, "Resolved faults:\t%d\t\n", s.Memory.ResolvedFaults)
	fmt.Fprintf(tw, "Mapped pages:\t%d\t\n", s.Memory.MappedPages)
	_ = tw.Flush()
}
