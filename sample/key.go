// Package sample defines the wire-format record that identifies one
// aggregated stack. The same byte layout is produced by the BPF C probes in
// package bpf and consumed here in user space; the two sides must hash
// identically, so every field -- including padding -- is part of the
// contract (spec §3.1).
package sample

import "unsafe"

// Type distinguishes an on-CPU sample from an off-CPU (scheduler
// switch) one. The two populate different counts maps (see DESIGN.md,
// Open Question decision 1) but share this key layout.
type Type uint8

const (
	// OnCPU marks a sample captured by the periodic perf-event probe.
	OnCPU Type = 0
	// OffCPU marks a sample captured at a sched_switch tracepoint,
	// weighted by nanoseconds spent off-CPU rather than an occurrence count.
	OffCPU Type = 1
)

func (t Type) String() string {
	if t == OffCPU {
		return "off-cpu"
	}
	return "on-cpu"
}

// commLen is the length of the null-padded thread command name, matching
// TASK_COMM_LEN in the kernel.
const commLen = 16

// Key is the CountsMap key (spec §3.1). Its packed byte image must be
// identical in the kernel probe and in this package: same field order, same
// padding, same endianness (the kernel is little-endian on every arch this
// profiler targets).
type Key struct {
	PID           uint32
	TGID          uint32
	UserStackID   int32
	KernelStackID int32
	SampleType    Type
	_padding      [3]byte
	Comm          [commLen]byte
}

// keySize is a compile-time assertion that Key stays at the 36 bytes the
// kernel side also expects (stack_count_key_t in bpf/goflame.bpf.c: 4+4+4+4
// PID/TGID/stack-id fields, +1 SampleType, +3 padding, +16 Comm = 36; spec.md
// §8 property 1 states 32, which doesn't reconcile with its own §3.1 field
// list summing to 36 -- the kernel struct and TestKeyFieldOffsets agree on
// 36, so that's the value enforced here). If this ever fails to compile,
// Key's layout drifted from the BPF struct and counts will silently
// fragment between kernel and user space.
const keySize = 36

var _ [keySize]byte = [unsafe.Sizeof(Key{})]byte{}

// CommString returns the thread command name, stopping at the first NUL.
// An all-zero Comm (spec §9 "implicit nil/empty comm") is never rendered as
// an empty string by callers; see processName in package fold.
func (k Key) CommString() string {
	n := 0
	for n < len(k.Comm) && k.Comm[n] != 0 {
		n++
	}
	return string(k.Comm[:n])
}

// Limits on the three in-kernel tables (spec §3.2, §3.3, §3.4).
const (
	// MaxStackDepth is the deepest stack either the on-CPU or the
	// off-CPU probe will capture; deeper stacks are top-off truncated by
	// the kernel's bpf_get_stackid, never by user-space code (spec §9).
	MaxStackDepth = 127

	// CountsMapCapacity is the cap on distinct SampleKeys tracked per
	// session; insertion beyond this silently fails and is reported via
	// profstats.Stats.CountsMapFull (spec §3.2).
	CountsMapCapacity = 16384

	// StackMapCapacity is the cap on distinct stack traces tracked per
	// session (spec §3.3).
	StackMapCapacity = 8192

	// NoStack is the sentinel stack id meaning "not captured".
	NoStack int32 = -1

	// NoPIDFilter is the TargetPid value meaning "system-wide, no
	// filter" (spec §3.4, and the --pid 0 Open Question resolved in
	// SPEC_FULL.md: pid 0 maps to this same sentinel).
	NoPIDFilter uint32 = 0

	// DetachSentinel is written to TargetPid to short-circuit future
	// probe events while a session is tearing down (spec §5
	// Cancellation & timeout, step 1).
	DetachSentinel uint32 = 0xFFFFFFFF
)
