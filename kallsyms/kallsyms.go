// Package kallsyms resolves kernel program counters to symbol names by
// reading /proc/kallsyms once at startup and binary-searching the sorted
// table on every lookup (spec §4.G "Kernel frames": "rendered as [kernel]
// or by /proc/kallsyms when available").
//
// Grounded on alexandrem-coral's KernelSymbolizer (internal/agent/debug/
// kernel_symbolizer.go): same open-once/sort/binary-search/cache shape,
// adapted to this profiler's suffix convention (fold appends `_[k]` itself,
// spec §4.G, rather than this package formatting a bracketed module
// name inline).
package kallsyms

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Symbol is one parsed /proc/kallsyms row.
type Symbol struct {
	Address uint64
	Type    byte
	Name    string
	Module  string // empty for core kernel symbols
}

// Table resolves kernel addresses to names.
type Table struct {
	symbols []Symbol
	cache   map[uint64]string
	logger  zerolog.Logger
}

// ErrNoPermission is returned by Load when /proc/kallsyms is readable but
// every address reads back as zero -- the standard kernel behavior for an
// unprivileged reader (spec §4.6 "/proc/kallsyms -- optional").
var ErrNoPermission = fmt.Errorf("kallsyms: all addresses are zero (need root or CAP_SYSLOG)")

// Load reads and parses /proc/kallsyms. Callers should treat a non-nil
// error as "kernel frames render as [kernel]" rather than aborting a
// session (spec §4.G): kallsyms is always optional.
func Load(logger zerolog.Logger) (*Table, error) {
	logger = logger.With().Str("component", "kallsyms.Table").Logger()

	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return nil, fmt.Errorf("kallsyms: open: %w", err)
	}
	defer f.Close()

	var symbols []Symbol
	var zeroAddrs int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		if addr == 0 {
			zeroAddrs++
			continue
		}

		sym := Symbol{Address: addr, Type: fields[1][0], Name: fields[2]}
		if len(fields) > 3 && strings.HasPrefix(fields[3], "[") && strings.HasSuffix(fields[3], "]") {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		symbols = append(symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("kallsyms: read: %w", err)
	}

	if len(symbols) == 0 {
		if zeroAddrs > 0 {
			return nil, ErrNoPermission
		}
		return nil, fmt.Errorf("kallsyms: no symbols found")
	}

	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Address < symbols[j].Address })

	logger.Info().Int("symbols", len(symbols)).Int("zero_addresses", zeroAddrs).Msg("kernel symbol table loaded")

	return &Table{
		symbols: symbols,
		cache:   make(map[uint64]string),
		logger:  logger,
	}, nil
}

// Resolve returns the nearest symbol at or below addr, or "" if addr falls
// before the first known symbol. fold appends the `_[k]` leaf suffix itself
// (spec §4.G); this package only ever returns a bare name.
func (t *Table) Resolve(addr uint64) string {
	if name, ok := t.cache[addr]; ok {
		return name
	}

	idx := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].Address > addr }) - 1
	if idx < 0 {
		return ""
	}

	name := t.symbols[idx].Name
	t.cache[addr] = name
	return name
}

// Count reports how many kernel symbols are loaded.
func (t *Table) Count() int { return len(t.symbols) }
