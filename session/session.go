// Package session implements the user-space loader of spec §4.D: it loads
// the compiled probes, attaches them across every online CPU (on-CPU) and
// the sched_switch tracepoint (off-CPU), writes the target PID filter, and
// drains the kernel-side maps into host memory.
//
// Grounded on the teacher's cmd/profiler3/main.go main() body (RLIMIT_MEMLOCK
// raise, the per-CPU PerfEventOpen/attach/enable loop, fillProfile's
// LookupBytes+binary.Read stack decode), refactored out of main into a
// reusable Session the way VladMinzatu-ebpf-profiler's ebpfProfiler wraps an
// almost identical teacher-shaped program (Start/Stop/SnapshotCounts/
// LookupStacks), and alexandrem-coral's CPUProfileSession for the
// attempt-every-teardown-step-regardless pattern.
package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/goflamecore/goflame/bpf"
	"github.com/goflamecore/goflame/profstats"
	"github.com/goflamecore/goflame/sample"
)

// Modes selects which probes a session attaches (spec §4.D start's
// "modes: {on_cpu, off_cpu}").
type Modes struct {
	OnCPU  bool
	OffCPU bool
}

// DefaultFrequencyHz is the on-CPU sampling frequency spec §4.B names as
// the default.
const DefaultFrequencyHz = 99

// Drained is one aggregated row as spec §4.D's drain operation produces it.
type Drained struct {
	Key   sample.Key
	Count uint64
}

// Session owns every kernel-side handle opened by Start: perf-event file
// descriptors, the tracepoint link, and the loaded map/program objects.
// Spec §9 models this as "handles owned by a Session value; closing the
// session frees them. No process-wide singleton."
type Session struct {
	logger zerolog.Logger
	modes  Modes

	onCPU  *bpf.GoflameObjects
	offCPU *bpf.OffcpuObjects

	perfFDs   []int
	tpLink    link.Link
	targetPID uint32

	started bool
}

// Start loads the probes, attaches them, and writes the target PID filter
// (spec §4.D). frequencyHz applies only when modes.OnCPU is set.
func Start(targetPID int, frequencyHz int, modes Modes, logger zerolog.Logger) (*Session, error) {
	logger = logger.With().Str("component", "session.Session").Int("pid", targetPID).Logger()

	if !modes.OnCPU && !modes.OffCPU {
		modes.OnCPU = true
	}
	if frequencyHz <= 0 {
		frequencyHz = DefaultFrequencyHz
	}

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		return nil, profstats.Wrap(profstats.KindProbeLoad, fmt.Errorf("raise RLIMIT_MEMLOCK: %w", err))
	}

	s := &Session{
		logger:    logger,
		modes:     modes,
		targetPID: pidFilterValue(targetPID),
	}

	if modes.OnCPU {
		if err := s.startOnCPU(frequencyHz); err != nil {
			s.Stop()
			return nil, profstats.Wrap(profstats.KindProbeLoad, err)
		}
	}
	if modes.OffCPU {
		if err := s.startOffCPU(); err != nil {
			s.Stop()
			return nil, profstats.Wrap(profstats.KindProbeLoad, err)
		}
	}

	s.started = true
	logger.Info().Bool("on_cpu", modes.OnCPU).Bool("off_cpu", modes.OffCPU).Int("frequency_hz", frequencyHz).Msg("session started")
	return s, nil
}

// pidFilterValue maps a CLI PID argument to the wire-format filter value
// (spec §3.4, open question resolved in SPEC_FULL.md): 0 means no filter,
// matching sample.NoPIDFilter.
func pidFilterValue(pid int) uint32 {
	if pid <= 0 {
		return sample.NoPIDFilter
	}
	return uint32(pid)
}

func (s *Session) startOnCPU(frequencyHz int) error {
	objs := &bpf.GoflameObjects{}
	if err := bpf.LoadGoflameObjects(objs, nil); err != nil {
		return fmt.Errorf("load on-cpu bpf objects: %w", err)
	}
	s.onCPU = objs

	zero := uint32(0)
	if err := objs.GoflameMaps.TargetPid.Put(&zero, &s.targetPID); err != nil {
		return fmt.Errorf("write target_pid: %w", err)
	}

	// perf_event_open treats pid 0 as "the calling process"; the
	// system-wide form for no filter is pid -1.
	perfPID := int(s.targetPID)
	if s.targetPID == sample.NoPIDFilter {
		perfPID = -1
	}

	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		fd, err := unix.PerfEventOpen(
			&unix.PerfEventAttr{
				Type:   unix.PERF_TYPE_SOFTWARE,
				Config: unix.PERF_COUNT_SW_CPU_CLOCK,
				Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
				Sample: uint64(frequencyHz),
				Bits:   unix.PerfBitDisabled | unix.PerfBitFreq,
			},
			perfPID,
			cpu,
			-1,
			unix.PERF_FLAG_FD_CLOEXEC,
		)
		if err != nil {
			return fmt.Errorf("perf_event_open cpu=%d: %w", cpu, err)
		}

		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, objs.GoflamePrograms.DoSample.FD()); err != nil {
			unix.Close(fd)
			return fmt.Errorf("attach do_sample cpu=%d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			unix.Close(fd)
			return fmt.Errorf("enable perf event cpu=%d: %w", cpu, err)
		}

		s.perfFDs = append(s.perfFDs, fd)
	}
	return nil
}

func (s *Session) startOffCPU() error {
	objs := &bpf.OffcpuObjects{}
	if err := bpf.LoadOffcpuObjects(objs, nil); err != nil {
		return fmt.Errorf("load off-cpu bpf objects: %w", err)
	}
	s.offCPU = objs

	zero := uint32(0)
	if err := objs.OffcpuMaps.TargetPid.Put(&zero, &s.targetPID); err != nil {
		return fmt.Errorf("write target_pid: %w", err)
	}

	tp, err := link.Tracepoint("sched", "sched_switch", objs.OffcpuPrograms.OnSchedSwitch, nil)
	if err != nil {
		return fmt.Errorf("attach sched_switch tracepoint: %w", err)
	}
	s.tpLink = tp
	return nil
}

// Started reports whether Start completed without error and Stop has not
// yet been called.
func (s *Session) Started() bool { return s.started }

// Drain performs a cheap, non-destructive read of both counts maps (spec
// §4.D "drain"). It is safe to call more than once; repeated drains are
// idempotent reads of the same monotonically growing maps.
func (s *Session) Drain() ([]Drained, error) {
	var out []Drained

	if s.onCPU != nil {
		rows, err := drainCountsMap(s.onCPU.GoflameMaps.Counts)
		if err != nil {
			return out, fmt.Errorf("drain on-cpu counts: %w", err)
		}
		out = append(out, rows...)
	}
	if s.offCPU != nil {
		rows, err := drainCountsMap(s.offCPU.OffcpuMaps.OffcpuCounts)
		if err != nil {
			return out, fmt.Errorf("drain off-cpu counts: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// drainCountsMap reads every (sample.Key, count) pair out of a counts map.
// sample.Key is used directly as the iteration key type for both the
// on-CPU and off-CPU counts maps since their C-side layouts are identical
// (spec §3.1/§4.B) -- the same hand-rolled-struct-as-map-key idiom the
// teacher's fillProfile uses with its own stackCountKey type.
func drainCountsMap(m *ebpf.Map) ([]Drained, error) {
	var out []Drained
	it := m.Iterate()

	var key sample.Key
	var count uint64
	for it.Next(&key, &count) {
		out = append(out, Drained{Key: key, Count: count})
	}
	return out, it.Err()
}

// ResolveStack reads the raw PC list for a stack id (spec §4.D
// "resolve_stack"). A sentinel id (sample.NoStack or any negative value --
// bpf_get_stackid returns a negative errno on failure, spec §4.B "Failure
// semantics") yields an empty slice rather than an error. sampleType
// selects which probe's stack_traces map to read: the on-CPU and off-CPU
// programs are loaded as two independent bpf2go object sets, so a stack id
// is only meaningful within the map that produced it.
func (s *Session) ResolveStack(stackID int32, sampleType sample.Type) ([]uint64, error) {
	if stackID < 0 {
		return nil, nil
	}

	m := s.stackTraceMap(sampleType)
	if m == nil {
		return nil, fmt.Errorf("session: no stack_traces map loaded for %s", sampleType)
	}

	raw, err := m.LookupBytes(stackID)
	if err != nil {
		return nil, fmt.Errorf("lookup stack id %d: %w", stackID, err)
	}
	if raw == nil {
		return nil, nil
	}

	var pcs [sample.MaxStackDepth]uint64
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, pcs[:]); err != nil {
		return nil, fmt.Errorf("decode stack id %d: %w", stackID, err)
	}

	return tracedAddresses(pcs), nil
}

func (s *Session) stackTraceMap(sampleType sample.Type) *ebpf.Map {
	if sampleType == sample.OffCPU {
		if s.offCPU != nil {
			return s.offCPU.OffcpuMaps.StackTraces
		}
		return nil
	}
	if s.onCPU != nil {
		return s.onCPU.GoflameMaps.StackTraces
	}
	return nil
}

// tracedAddresses trims the trailing zero PCs a partially filled stack
// leaves behind (teacher's cmd/profiler3 helper of the same name).
func tracedAddresses(stack [sample.MaxStackDepth]uint64) []uint64 {
	for i, addr := range stack {
		if addr == 0 {
			return append([]uint64(nil), stack[:i]...)
		}
	}
	return append([]uint64(nil), stack[:]...)
}

// Stop detaches every attached probe and frees kernel resources (spec §4.D
// "stop", §5 cancellation sequence: signal detach, drain, unload -- each
// step attempted regardless of a prior step's failure). It returns the
// composite EbpfStats even when teardown encountered errors; those errors
// are logged, not propagated, per spec §7's teardown-path policy.
func (s *Session) Stop() profstats.Stats {
	var stats profstats.Stats

	// Step 1: signal detach by writing the sentinel PID so in-flight
	// probes short-circuit before their next event (spec §5).
	sentinel := sample.DetachSentinel
	zero := uint32(0)
	if s.onCPU != nil {
		if err := s.onCPU.GoflameMaps.TargetPid.Put(&zero, &sentinel); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write detach sentinel to on-cpu target_pid")
		}
	}
	if s.offCPU != nil {
		if err := s.offCPU.OffcpuMaps.TargetPid.Put(&zero, &sentinel); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write detach sentinel to off-cpu target_pid")
		}
		stats.OffCPUExpired += countPending(s.offCPU.OffcpuMaps.PendingOut)
	}

	// Step 2: drain, counting map-saturation heuristics (spec §4.B:
	// per-event drop counters aren't surfaced by the kernel program, so
	// Stats derives them at teardown from the drained rows: the row count
	// vs. counts-map capacity, and the number of rows with a negative
	// stack id vs. stack-map capacity).
	if rows, err := s.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("final drain before teardown failed")
	} else {
		if len(rows) >= sample.CountsMapCapacity {
			stats.CountsMapFull = true
		}
		for _, r := range rows {
			if r.Key.UserStackID < 0 || r.Key.KernelStackID < 0 {
				stats.SamplesDropped++
			}
		}
		if stats.SamplesDropped >= sample.StackMapCapacity {
			stats.StackMapFull = true
		}
	}

	// Step 3: unload. Perf-event fds, the tracepoint link, and the BPF
	// object sets are each closed independently; one failure must not
	// skip the rest.
	for _, fd := range s.perfFDs {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			s.logger.Warn().Err(err).Int("fd", fd).Msg("failed to disable perf event")
		}
		if err := unix.Close(fd); err != nil {
			s.logger.Warn().Err(err).Int("fd", fd).Msg("failed to close perf event fd")
		}
	}
	s.perfFDs = nil

	if s.tpLink != nil {
		if err := s.tpLink.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to detach sched_switch tracepoint")
		}
		s.tpLink = nil
	}

	if s.onCPU != nil {
		if err := s.onCPU.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close on-cpu bpf objects")
		}
		s.onCPU = nil
	}
	if s.offCPU != nil {
		if err := s.offCPU.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close off-cpu bpf objects")
		}
		s.offCPU = nil
	}

	s.started = false
	s.logger.Info().
		Bool("counts_map_full", stats.CountsMapFull).
		Bool("stack_map_full", stats.StackMapFull).
		Uint64("samples_dropped", stats.SamplesDropped).
		Uint64("off_cpu_expired", stats.OffCPUExpired).
		Msg("session stopped")

	return stats
}

// countPending reports how many schedule-out entries never saw a matching
// schedule-in before session end -- those nanoseconds are lost (spec §4.B
// state machine, "Expired").
func countPending(m *ebpf.Map) uint64 {
	if m == nil {
		return 0
	}
	var n uint64
	it := m.Iterate()
	var key uint32
	var value [48]byte // pending_entry_t (8 + 36 bytes, padded to 48) is opaque here; only presence matters
	for it.Next(&key, &value) {
		n++
	}
	return n
}
