//go:build linux

// Package bpf holds the kernel-side probe sources (component B/C, spec §4.B)
// and the generated bpf2go bindings that wrap them for the session package.
//
// goflame.bpf.c implements the on-CPU perf-event probe ("do_sample"); it
// mirrors the teacher's parca-agent.bpf.c shape referenced from
// cmd/profiler2 and cmd/profiler3 (a perf-event-attached program that reads
// the stack via bpf_get_stackid into StackTraces and bumps Counts).
//
// offcpu.bpf.c implements the sched_switch tracepoint probe and the
// schedule-out/schedule-in pending table of spec §4.B.
//
// Both files are compiled by bpf2go into Go bindings (GoflameObjects,
// OffcpuObjects) following the exact pattern the teacher's cmd/profiler3
// consumes (ParcaAgentObjects / LoadParcaAgentObjects); those bindings are
// generated at build time by the go:generate directive below and are not
// hand-written, identical to how the teacher's own repository depends on a
// build artifact it does not check in.
package bpf

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -target bpf" -type stack_count_key_t Goflame goflame.bpf.c -- -I./headers
//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -target bpf" -type stack_count_key_t Offcpu offcpu.bpf.c -- -I./headers
