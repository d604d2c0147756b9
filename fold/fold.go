// Package fold implements the folded-stack aggregator of spec §4.G: it
// turns drained (SampleKey, count, PCs) rows into the
// `frame;frame;...;leaf count` lines of spec §6.3.
//
// Grounded on alexandrem-coral's FormatFoldedStacks (internal/agent/debug/
// cpu_profiler.go: reverse the innermost-first stack into root-first order,
// join with `;`, append ` count\n`), generalized here to merge on-CPU and
// off-CPU rows, resolve both kernel and user PCs, coalesce repeated
// consecutive frames, and escape `;` in frame names.
package fold

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/goflamecore/goflame/sample"
)

// UserResolver maps a user-space PC to a symbolic frame (spec §4.F). ok is
// false when the PC could not be resolved; the caller renders a synthetic
// [unknown:0xADDR] frame in that case (spec §4.F "Failure modes").
type UserResolver interface {
	Resolve(pc uint64) (name string, line int, ok bool)
}

// KernelResolver maps a kernel PC to a symbol name, or "" when kallsyms is
// unavailable or the address is unknown (spec §4.G: "rendered as [kernel]
// when kallsyms is unavailable").
type KernelResolver interface {
	Resolve(addr uint64) string
}

// Row is one drained sample ready for folding (spec §4.G input: "iterator
// of (SampleKey, count, user_pcs, kernel_pcs)"). PCs are innermost-first
// (leaf at index 0), matching the order bpf_get_stackid's stack walk and
// session.ResolveStack produce. UserStackID/KernelStackID carry the raw ids
// so fold can distinguish "not captured" (sample.NoStack) from a genuine
// stack-walk failure (any other negative id, spec §4.B).
type Row struct {
	Key           sample.Key
	Count         uint64
	UserStackID   int32
	KernelStackID int32
	UserPCs       []uint64
	KernelPCs     []uint64
}

// Aggregator combines rows that fold to the same frame tuple (spec §4.G
// output: "mapping from frame_tuple to summed count").
type Aggregator struct {
	counts map[string]uint64
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{counts: make(map[string]uint64)}
}

// Add folds one row into the aggregator, resolving its PCs with the given
// resolvers. kernel may be nil, in which case kernel frames always render
// as "[kernel]".
func (a *Aggregator) Add(row Row, user UserResolver, kernel KernelResolver) {
	frames := assembleFrames(row, user, kernel)
	key := strings.Join(frames, ";")
	a.counts[key] += row.Count
}

// Lines returns the folded-stack text lines (spec §6.3: "frame1;...;leaf
// count"), one per distinct frame tuple, sorted lexicographically by frame
// tuple for deterministic output (spec §4.H's determinism requirement
// extends naturally to this stage: fixed input must produce fixed output).
func (a *Aggregator) Lines() []string {
	keys := make([]string, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s %d", k, a.counts[k]))
	}
	return lines
}

// WriteTo writes lines as the folded text format: one stack per line, a
// trailing newline on every line including the last (spec §6.3).
func WriteTo(w io.Writer, lines []string) (int, error) {
	var n int
	for _, l := range lines {
		m, err := fmt.Fprintf(w, "%s\n", l)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// assembleFrames builds one row's frame tuple in the order spec §4.G
// mandates: process_name, kernel frames (bottom to top), user frames
// (bottom to top); for off-CPU rows the `_[o]` suffix is then appended to
// the last frame, and finally every frame has its `;` escaped.
func assembleFrames(row Row, user UserResolver, kernel KernelResolver) []string {
	frames := []string{processName(row.Key)}
	frames = append(frames, resolveKernelFrames(row.KernelStackID, row.KernelPCs, kernel)...)
	frames = append(frames, resolveUserFrames(row.UserStackID, row.UserPCs, user)...)

	if row.Key.SampleType == sample.OffCPU && len(frames) > 0 {
		last := len(frames) - 1
		frames[last] = frames[last] + "_[o]"
	}

	for i, f := range frames {
		frames[i] = escapeSemicolons(f)
	}
	return frames
}

func processName(key sample.Key) string {
	name := key.CommString()
	if name == "" {
		// spec §9: "always emit a placeholder rather than an empty
		// string, because empty frames collapse child trees in the
		// renderer."
		return "[unknown_process]"
	}
	return name
}

type namedFrame struct {
	name string
	line int
}

// resolveUserFrames resolves and coalesces the user half of the stack
// (spec §4.F/§4.G). A stackID of sample.NoStack means no user stack was
// captured at all (legitimate, e.g. a kernel-only sample); any other
// negative id is a stack-walk failure rendered as a single synthetic
// [unwind_failed] frame (spec §4.B).
func resolveUserFrames(stackID int32, pcs []uint64, resolver UserResolver) []string {
	if stackID == sample.NoStack {
		return nil
	}
	if stackID < 0 {
		return []string{"[unwind_failed]"}
	}

	frames := make([]namedFrame, 0, len(pcs))
	for i := len(pcs) - 1; i >= 0; i-- {
		pc := pcs[i]
		name, line, ok := resolver.Resolve(pc)
		if !ok {
			frames = append(frames, namedFrame{name: fmt.Sprintf("[unknown:0x%x]", pc)})
			continue
		}
		frames = append(frames, namedFrame{name: demangle.Filter(name), line: line})
	}
	return coalesceNamed(frames)
}

// resolveKernelFrames mirrors resolveUserFrames for the kernel half,
// appending the `_[k]` suffix to every resolved kernel frame (spec §4.G:
// "matches widely used convention" -- the flamegraph.pl stackcollapse
// suffix, applied per kernel frame rather than once per stack).
func resolveKernelFrames(stackID int32, pcs []uint64, resolver KernelResolver) []string {
	if stackID == sample.NoStack {
		return nil
	}
	if stackID < 0 {
		return []string{"[unwind_failed]_[k]"}
	}

	names := make([]string, 0, len(pcs))
	for i := len(pcs) - 1; i >= 0; i-- {
		name := "[kernel]"
		if resolver != nil {
			if n := resolver.Resolve(pcs[i]); n != "" {
				name = n
			}
		}
		names = append(names, name+"_[k]")
	}
	return coalesceStrings(names)
}

// coalesceNamed merges consecutive frames only when both name and line
// match (spec §4.G: "do not coalesce across lines").
func coalesceNamed(frames []namedFrame) []string {
	out := make([]string, 0, len(frames))
	for i, f := range frames {
		if i > 0 && f.name == frames[i-1].name && f.line == frames[i-1].line {
			continue
		}
		out = append(out, f.name)
	}
	return out
}

func coalesceStrings(names []string) []string {
	out := make([]string, 0, len(names))
	for i, n := range names {
		if i > 0 && n == names[i-1] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// escapeSemicolons replaces a literal `;` with U+037E (Greek question
// mark), which is visually identical but cannot be confused with the
// folded format's field separator (spec §6.3, §8 property 7).
func escapeSemicolons(s string) string {
	if !strings.ContainsRune(s, ';') {
		return s
	}
	return strings.ReplaceAll(s, ";", ";")
}
