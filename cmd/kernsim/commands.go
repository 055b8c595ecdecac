package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/tinygo-org/tinykern/config"
	"github.com/tinygo-org/tinykern/diagnostics"
	"github.com/tinygo-org/tinykern/interrupt"
	"github.com/tinygo-org/tinykern/kernel"
	"github.com/tinygo-org/tinykern/klog"
	"github.com/tinygo-org/tinykern/metrics"
)

// configFlags are shared by every command that builds a configuration.
type configFlags struct {
	path    string
	cmdline string
	verbose bool
}

func (c *configFlags) register(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "YAML configuration file")
	f.StringVar(&c.cmdline, "cmdline", "", "kernel command line, e.g. \"sched.quantum=2 futex.capacity=8\"")
	f.BoolVar(&c.verbose, "verbose", false, "log scheduler events")
}

func (c *configFlags) load() (config.Config, error) {
	cfg := config.Default()
	if c.path != "" {
		var err error
		if cfg, err = config.Load(c.path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyCmdline(c.cmdline); err != nil {
		return cfg, err
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "kernsim: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	configFlags
	trace string
	step  bool
	stats bool
}

func (*runCmd) Name() string { return "run" }
func (*runCmd) Synopsis() string { return "boot the kernel and run a scenario" }
func (*runCmd) Usage() string {
	return `run [flags] <scenario>

Boot the kernel with the given configuration, run the scenario until every
task exits, and print the kernel counters.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.configFlags.register(f)
	f.StringVar(&r.trace, "trace", "", "write scheduling events to this file")
	f.BoolVar(&r.step, "step", false, "wait for a key press before every context switch")
	f.BoolVar(&r.stats, "stats", true, "print kernel counters when done")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sc, ok := scenarios[f.Arg(0)]
	if !ok {
		return errorf("unknown scenario %q, see \"kernsim scenarios\"", f.Arg(0))
	}
	cfg, err := r.load()
	if err != nil {
		return errorf("%v", err)
	}
	if err := klog.Setup(cfg.Log, os.Stderr); err != nil {
		return errorf("%v", err)
	}

	var opts []kernel.Option
	var tr *tracer
	if r.trace != "" {
		if tr, err = openTrace(r.trace); err != nil {
			return errorf("%v", err)
		}
		defer tr.Close()
		opts = append(opts, kernel.WithListener(tr))
	}
	if r.step {
		st, err := newStepper(os.Stdout)
		if err != nil {
			return errorf("-step: %v", err)
		}
		defer st.Close()
		opts = append(opts, kernel.WithListener(st))
	}

	k, err := kernel.New(cfg, nil, opts...)
	if err != nil {
		return errorf("%v", err)
	}
	if tr != nil {
		tr.now = k.Now
	}
	if err := sc.setup(k, os.Stdout); err != nil {
		return errorf("%s: %v", sc.name, err)
	}

	err = k.Run(ctx)
	if r.stats {
		printStats(k)
	}
	var fatal *diagnostics.Fatal
	switch {
	case err == nil:
		return subcommands.ExitSuccess
	case errors.As(err, &fatal):
		fatal.WriteTo(os.Stderr)
		return subcommands.ExitFailure
	default:
		return errorf("%v", err)
	}
}

func printStats(k *kernel.Kernel) {
	descs := metrics.All()
	samples := make([]metrics.Sample, len(descs))
	for i := range descs {
		samples[i].Name = descs[i].Name
	}
	k.Metrics().Read(samples)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\nmetric\tvalue")
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			fmt.Fprintf(w, "%s\t%d\n", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			fmt.Fprintf(w, "%s\t%.6f\n", s.Name, s.Value.Float64())
		}
	}
	irq := k.Interrupts()
	for l := interrupt.Line(0); l < interrupt.NumLines; l++ {
		if n := irq.Count(l); n > 0 {
			fmt.Fprintf(w, "/interrupt/%v:count\t%d\n", l, n)
		}
	}
	w.Flush()
}

// configCmd implements subcommands.Command for the "config" command.
type configCmd struct {
	configFlags
}

func (*configCmd) Name() string { return "config" }
func (*configCmd) Synopsis() string { return "print the effective configuration" }
func (*configCmd) Usage() string {
	return `config [flags]

Print the configuration that "run" would use with the same flags, as YAML.
`
}

func (c *configCmd) SetFlags(f *flag.FlagSet) {
	c.configFlags.register(f)
}

func (c *configCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := c.load()
	if err != nil {
		return errorf("%v", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		return errorf("%v", err)
	}
	os.Stdout.Write(out)
	return subcommands.ExitSuccess
}

// scenariosCmd implements subcommands.Command for the "scenarios" command.
type scenariosCmd struct{}

func (*scenariosCmd) Name() string { return "scenarios" }
func (*scenariosCmd) Synopsis() string { return "list the built-in scenarios" }
func (*scenariosCmd) Usage() string { return "scenarios\n" }
func (*scenariosCmd) SetFlags(*flag.FlagSet) {}

func (*scenariosCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, scenarios[name].desc)
	}
	w.Flush()
	return subcommands.ExitSuccess
}
