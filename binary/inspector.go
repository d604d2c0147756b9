// Package binary implements the ELF/binary inspector of spec §4.E: it
// mmaps a target process's executable, computes the module's runtime load
// base, and locates the .gopclntab section (falling back to a magic scan
// of every section's bytes when no section has that name; .go.buildinfo
// is not consulted).
//
// Grounded on cmd/addr2func's newSymbolizer (PT_LOAD lookup, PIE detection
// via Vaddr == Off) and alexandrem-coral's symbolizer.go
// (elfBaseAddr/runtimeLoadAddr split), generalized from a CLI-supplied
// offset/memory-start pair to a computation driven by /proc/<pid>/maps.
package binary

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
)

// Error kinds returned by Open (spec §4.E).
var (
	ErrNotAnELF          = fmt.Errorf("binary: not an ELF file")
	ErrNotAGoBinary      = fmt.Errorf("binary: not a Go binary (no .gopclntab)")
	ErrNoGopclntab       = fmt.Errorf("binary: .gopclntab section not found")
	ErrUnsupportedVesion = fmt.Errorf("binary: unsupported gopclntab version")
)

// Inspector holds the mmapped ELF of a target process plus the derived
// addressing facts the symbol resolver and the folded-stack aggregator
// need (spec §4.E operations).
type Inspector struct {
	file *elf.File

	// ModuleBase is the virtual address at which the target's executable
	// image is mapped in the live process (lowest loadable segment's
	// vaddr, adjusted by the runtime load address from /proc/<pid>/maps
	// for position-independent binaries).
	ModuleBase uint64

	// TextStart is the file-relative start address of .text, used by
	// gopclntab 1.18+ to turn stored offsets into absolute PCs.
	TextStart uint64

	// Gopclntab is the raw bytes of the .gopclntab section.
	Gopclntab []byte

	// Mappings is the process's memory map, kept for the [unknown:0xADDR]
	// fallback attribution path even when gopclntab resolution fails.
	Mappings []*profile.Mapping

	// IsGo reports whether a usable .gopclntab was found. When false,
	// the caller should treat symbolization as best-effort only (spec
	// §4.E: "fatal for symbolization but not for sample collection").
	IsGo bool
}

// Open inspects the executable backing pid (spec §4.E). It never returns a
// fatal error for a non-Go or stripped binary: in that case Inspector.IsGo
// is false and callers fall back to [unknown:0xADDR] frames, per spec §4.E
// and §7 (KindNotGoBinary is non-fatal for sample collection).
func Open(pid int, logger zerolog.Logger) (*Inspector, error) {
	logger = logger.With().Str("component", "binary.Inspector").Int("pid", pid).Logger()

	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := elf.Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrNotAnELF, exePath, err)
	}

	insp := &Inspector{file: f}

	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	if mm, err := readMaps(mapsPath); err != nil {
		logger.Warn().Err(err).Msg("failed to parse process memory map")
	} else {
		insp.Mappings = mm
	}

	moduleBase, isPIE, err := computeModuleBase(f, insp.Mappings, exePath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotAnELF, err)
	}
	insp.ModuleBase = moduleBase

	section, textStart, err := locateGopclntab(f)
	if err != nil {
		logger.Warn().Err(err).Msg("no usable .gopclntab, falling back to unknown frames")
		return insp, nil
	}
	insp.Gopclntab = section
	insp.TextStart = textStart
	insp.IsGo = true

	logger.Info().
		Bool("pie", isPIE).
		Uint64("module_base", insp.ModuleBase).
		Uint64("text_start", insp.TextStart).
		Int("gopclntab_bytes", len(insp.Gopclntab)).
		Msg("binary inspected")

	return insp, nil
}

// Close releases the mmapped ELF file.
func (i *Inspector) Close() error {
	if i.file == nil {
		return nil
	}
	return i.file.Close()
}

// FileOffset converts a runtime (absolute, post-ASLR) PC into the
// file-relative address gopclntab's functab expects, undoing exactly the
// module base shift applied at load time -- never more than once (spec §4.F
// "Critical invariant").
func (i *Inspector) FileOffset(runtimePC uint64) uint64 {
	if i.ModuleBase == 0 || runtimePC < i.ModuleBase {
		return runtimePC
	}
	return runtimePC - i.ModuleBase
}

func readMaps(path string) ([]*profile.Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.ParseProcMaps(f)
}

// computeModuleBase mirrors cmd/addr2func's PIE detection (Vaddr == Off on
// the first executable PT_LOAD) and alexandrem-coral's
// elfBaseAddr/runtimeLoadAddr split: the module base is the difference
// between where the segment actually landed in the live process (from
// /proc/<pid>/maps) and where the ELF file says it starts.
func computeModuleBase(f *elf.File, mm []*profile.Mapping, exePath string) (base uint64, isPIE bool, err error) {
	var lowest *elf.ProgHeader
	for i := range f.Progs {
		ph := f.Progs[i].ProgHeader
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if lowest == nil || ph.Vaddr < lowest.Vaddr {
			lowest = &ph
		}
	}
	if lowest == nil {
		return 0, false, fmt.Errorf("no PT_LOAD segment found")
	}

	isPIE = lowest.Vaddr == lowest.Off

	if !isPIE || len(mm) == 0 {
		// Non-PIE binaries are loaded at their link-time address;
		// module base is simply vaddr - fileOffset (usually zero).
		return lowest.Vaddr - lowest.Off, isPIE, nil
	}

	// PIE: the actual base is the lowest executable mapping's start
	// address for this file, per /proc/<pid>/maps.
	var runtimeStart uint64
	found := false
	for _, m := range mm {
		if m.File == "" {
			continue
		}
		if m.File == exePath || bytes.HasSuffix([]byte(exePath), []byte(m.File)) {
			if !found || m.Start < runtimeStart {
				runtimeStart = m.Start
				found = true
			}
		}
	}
	if !found {
		// Fall back to the first mapping in the table; /proc/<pid>/maps
		// always lists the executable's own mappings first.
		if len(mm) > 0 {
			runtimeStart = mm[0].Start
			found = true
		}
	}
	if !found {
		return 0, isPIE, fmt.Errorf("could not determine runtime load address from maps")
	}

	return runtimeStart - lowest.Off, isPIE, nil
}

// locateGopclntab finds .gopclntab by section name first, falling back to
// scanning every section's bytes for a version magic when no section has
// that name (spec §4.E). It does not read .go.buildinfo.
func locateGopclntab(f *elf.File) (section []byte, textStart uint64, err error) {
	if sec := f.Section(".gopclntab"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read .gopclntab: %v", ErrNoGopclntab, err)
		}
		textStart = textSectionStart(f)
		return data, textStart, nil
	}

	// Stripped binary: .gopclntab may still be present as an unnamed
	// section, or embedded and reachable only by magic scan starting
	// from .go.buildinfo's pointer fields. We scan every section's raw
	// bytes for one of the three known magics (spec §3.5 table) as a
	// last resort.
	for _, sec := range f.Sections {
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if off := findPclntabMagic(data); off >= 0 {
			textStart = textSectionStart(f)
			return data[off:], textStart, nil
		}
	}

	return nil, 0, ErrNoGopclntab
}

func textSectionStart(f *elf.File) uint64 {
	if sec := f.Section(".text"); sec != nil {
		return sec.Addr
	}
	return 0
}

var pclntabMagics = [][]byte{
	{0xfb, 0xff, 0xff, 0xff}, // 1.2-1.15
	{0xfa, 0xff, 0xff, 0xff}, // 1.16-1.17
	{0xf0, 0xff, 0xff, 0xff}, // 1.18+
}

// findPclntabMagic looks for a plausible gopclntab header: one of the
// known magics, two pad bytes, then the quantum and pointer size at
// offsets 6 and 7 (where pclntab.Parse reads them), both sanity-checked.
func findPclntabMagic(data []byte) int {
	for i := 0; i+8 <= len(data); i++ {
		for _, magic := range pclntabMagics {
			if bytes.Equal(data[i:i+4], magic) {
				quantum := data[i+6]
				ptrSize := data[i+7]
				if (quantum == 1 || quantum == 2 || quantum == 4) && (ptrSize == 4 || ptrSize == 8) {
					return i
				}
			}
		}
	}
	return -1
}

// MappingFor returns the mapping containing addr, or nil. Mappings are
// assumed sorted by start address, as profile.ParseProcMaps returns them.
func (i *Inspector) MappingFor(addr uint64) *profile.Mapping {
	for _, m := range i.Mappings {
		if m.Start <= addr && addr < m.Limit {
			return m
		}
	}
	return nil
}
