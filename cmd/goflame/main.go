//go:build linux

/*
Program goflame samples a running Go process with the on-CPU perf-event
and off-CPU sched_switch probes, symbolizes the resulting stacks, and
renders a flame graph SVG.

	./goflame --pid N --duration 10s [--off-cpu] [--frequency 99] \
		--output profile.svg [--export-folded profile.folded] [renderer options...]
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/goflamecore/goflame/binary"
	"github.com/goflamecore/goflame/flamegraph"
	"github.com/goflamecore/goflame/fold"
	"github.com/goflamecore/goflame/kallsyms"
	"github.com/goflamecore/goflame/pclntab"
	"github.com/goflamecore/goflame/profstats"
	"github.com/goflamecore/goflame/session"
)

// watchdogGrace bounds how long past the requested duration the process
// waits for teardown before giving up and exiting 124 (spec §6.1: "duration
// exceeded internal watchdog (should not occur)").
const watchdogGrace = 30 * time.Second

func main() {
	// By default the exit code indicates failure, matching the teacher's
	// cmd/profiler3 "more failure scenarios than success ones" convention.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	code := run(logger)
	exitCode = code
}

func run(logger zerolog.Logger) int {
	pid := flag.Int("pid", 0, "PID to profile")
	duration := flag.Duration("duration", 10*time.Second, "profiling duration")
	offCPU := flag.Bool("off-cpu", false, "also capture off-CPU (sched_switch) samples")
	frequency := flag.Int("frequency", session.DefaultFrequencyHz, "on-CPU sampling frequency in Hz")
	output := flag.String("output", "profile.svg", "flame graph SVG output path")
	exportFolded := flag.String("export-folded", "", "also write folded-stack text to this path")

	title := flag.String("title", "", "flame graph title")
	palette := flag.String("palette", string(flamegraph.PaletteHot), "color palette")
	width := flag.Int("width", 0, "canvas width in px")
	inverted := flag.Bool("inverted", false, "icicle layout (root at top)")
	flameChart := flag.Bool("flamechart", false, "preserve input order instead of sorting by name (time-ordered chart)")
	hash := flag.Bool("hash", false, "color by hash of function name")
	randomColors := flag.Bool("random", false, "color frames randomly (not reproducible)")

	flag.Parse()

	if *pid <= 0 {
		logger.Error().Msg("--pid is required and must be positive")
		return profstats.KindInvalidArgs.ExitCode()
	}
	if *duration <= 0 {
		logger.Error().Msg("--duration must be positive")
		return profstats.KindInvalidArgs.ExitCode()
	}

	insp, err := binary.Open(*pid, logger)
	if err != nil {
		logger.Error().Err(err).Int("pid", *pid).Msg("failed to inspect target binary")
		return profstats.KindTargetNotFound.ExitCode()
	}
	defer insp.Close()

	var symtab *pclntab.Table
	if insp.IsGo {
		symtab, err = pclntab.Parse(insp.Gopclntab, 0)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to parse gopclntab; falling back to unknown frames")
		}
	} else {
		logger.Warn().Msg("target is not a recognizable Go binary; user frames render as [unknown:0xADDR]")
	}

	// kern stays a nil fold.KernelResolver (not a typed nil *kallsyms.Table
	// wrapped in a non-nil interface) when kallsyms is unreadable, so
	// fold's "resolver != nil" check correctly falls back to "[kernel]".
	var kern fold.KernelResolver
	if tbl, err := kallsyms.Load(logger); err != nil {
		logger.Warn().Err(err).Msg("kallsyms unavailable; kernel frames render as [kernel]")
	} else {
		kern = tbl
	}

	modes := session.Modes{OnCPU: true, OffCPU: *offCPU}
	sess, err := session.Start(*pid, *frequency, modes, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start profiling session")
		return profstats.KindProbeLoad.ExitCode()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	// Hard deadline: if teardown and rendering haven't finished by
	// duration+watchdogGrace, something is stuck (spec §6.1: "should not
	// occur"). This fires independently of the wait-for-duration select
	// below, which is expected to return well before the grace period.
	watchdog := time.AfterFunc(*duration+watchdogGrace, func() {
		logger.Error().Msg("internal watchdog exceeded duration; aborting")
		os.Exit(124)
	})
	defer watchdog.Stop()

	logger.Info().Int("pid", *pid).Dur("duration", *duration).Bool("off_cpu", *offCPU).Msg("profiling")

	select {
	case <-sig:
		logger.Info().Msg("received interrupt; stopping early")
	case <-time.After(*duration):
	}

	// Stacks must be resolved before Stop(), which closes the map handles
	// ResolveStack reads from.
	rows, drainErr := sess.Drain()
	if drainErr != nil {
		logger.Error().Err(drainErr).Msg("failed to drain samples")
	}

	userResolver := newSymbolResolver(insp, symtab)

	agg := fold.NewAggregator()
	for _, d := range rows {
		row := fold.Row{
			Key:           d.Key,
			Count:         d.Count,
			UserStackID:   d.Key.UserStackID,
			KernelStackID: d.Key.KernelStackID,
		}
		if d.Key.UserStackID >= 0 {
			pcs, err := sess.ResolveStack(d.Key.UserStackID, d.Key.SampleType)
			if err != nil {
				logger.Warn().Err(err).Int32("stack_id", d.Key.UserStackID).Msg("failed to resolve user stack")
			}
			row.UserPCs = pcs
		}
		if d.Key.KernelStackID >= 0 {
			pcs, err := sess.ResolveStack(d.Key.KernelStackID, d.Key.SampleType)
			if err != nil {
				logger.Warn().Err(err).Int32("stack_id", d.Key.KernelStackID).Msg("failed to resolve kernel stack")
			}
			row.KernelPCs = pcs
		}
		agg.Add(row, userResolver, kern)
	}

	stats := sess.Stop()
	logger.Info().
		Bool("counts_map_full", stats.CountsMapFull).
		Bool("stack_map_full", stats.StackMapFull).
		Uint64("samples_dropped", stats.SamplesDropped).
		Uint64("off_cpu_expired", stats.OffCPUExpired).
		Msg("session stats")

	lines := agg.Lines()

	if *exportFolded != "" {
		if err := writeFile(*exportFolded, func(f *os.File) error {
			_, err := fold.WriteTo(f, lines)
			return err
		}); err != nil {
			logger.Error().Err(err).Str("path", *exportFolded).Msg("failed to write folded output")
			return profstats.KindOutputWriteFailed.ExitCode()
		}
	}

	cfg := flamegraph.DefaultConfig()
	if *title != "" {
		cfg.Title = *title
	}
	cfg.Palette = flamegraph.Palette(*palette)
	if *width > 0 {
		cfg.Width = *width
	}
	cfg.Inverted = *inverted
	cfg.FlameChart = *flameChart
	cfg.Hash = *hash
	cfg.Random = *randomColors

	svg, err := flamegraph.Render(lines, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to render flame graph")
		return profstats.KindOutputWriteFailed.ExitCode()
	}

	if err := writeFile(*output, func(f *os.File) error {
		_, err := f.WriteString(svg)
		return err
	}); err != nil {
		logger.Error().Err(err).Str("path", *output).Msg("failed to write SVG output")
		return profstats.KindOutputWriteFailed.ExitCode()
	}

	logger.Info().Str("output", *output).Int("stacks", len(lines)).Msg("flame graph written")
	return 0
}

// symbolResolver adapts binary.Inspector + pclntab.Table to fold.UserResolver,
// undoing exactly the module-base shift FileOffset documents before handing
// the PC to the gopclntab table (spec §4.F "Critical invariant").
type symbolResolver struct {
	insp  *binary.Inspector
	table *pclntab.Table
}

func newSymbolResolver(insp *binary.Inspector, table *pclntab.Table) *symbolResolver {
	return &symbolResolver{insp: insp, table: table}
}

func (r *symbolResolver) Resolve(pc uint64) (string, int, bool) {
	if r.table == nil {
		return "", 0, false
	}
	frame, ok := r.table.Resolve(r.insp.FileOffset(pc))
	if !ok {
		return "", 0, false
	}
	return frame.Name, frame.Line, true
}

// writeFile truncates-on-open and fsyncs before close, per spec §5's output
// file handle resource model.
func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
