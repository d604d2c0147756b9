package flamegraph

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// colorFor picks a frame's fill color (spec §4.H step 4: "color frames by
// the selected palette rule"). Kernel (`_[k]`) and off-CPU (`_[o]`) suffixed
// names get a fixed palette regardless of cfg.Palette, so a kernel frame is
// visually identifiable across every color scheme -- the one exception the
// options table calls out explicitly.
func colorFor(name string, depth int, cfg Config) string {
	if depth < 0 {
		return "#ffffff"
	}

	switch {
	case strings.HasSuffix(name, "_[k]"):
		return shadeFor(name, kernelPalette)
	case strings.HasSuffix(name, "_[o]"):
		return shadeFor(name, offCPUPalette)
	}

	if cfg.Random {
		return randomShade()
	}
	if cfg.Hash {
		return shadeFor(name, hashPalette(cfg.Palette))
	}
	return shadeFor(name, cfg.Palette)
}

const (
	kernelPalette = PaletteKernelUser
	offCPUPalette = PaletteWakeup
)

// randomShade picks an unstable color on every call (spec §4.H options
// table: "random | color randomly"; spec §8 explicitly carves --random out
// of the determinism guarantee, unlike every other option).
func randomShade() string {
	return fmt.Sprintf("#%02x%02x%02x", rand.Intn(256), rand.Intn(256), rand.Intn(256))
}

// hashPalette is the palette used under --hash: colors are drawn from the
// configured family by the same name hash (shadeFor) that the default path
// uses, so --hash yields the same colors as leaving it off; the only
// difference is that an empty palette maps explicitly to PaletteHot.
func hashPalette(p Palette) Palette {
	if p == "" {
		return PaletteHot
	}
	return p
}

// paletteHues maps each named palette to its base hue band, expressed as
// (rMin,rMax), (gMin,gMax), (bMin,bMax) byte ranges. Hashing a name into
// these ranges gives a stable, visually distinct color family per palette
// without needing a fixed color table per function name, matching
// flamegraph.pl's hash-based "palette map" behavior (spec §4.H options
// table: "hash | color by hash of function name").
var paletteHues = map[Palette][3][2]int{
	PaletteHot:        {{205, 255}, {0, 230}, {0, 55}},
	PaletteMem:        {{0, 55}, {190, 255}, {0, 55}},
	PaletteIO:         {{80, 190}, {80, 190}, {190, 255}},
	PaletteJava:       {{0, 210}, {100, 230}, {0, 75}},
	PaletteJS:         {{0, 255}, {190, 230}, {0, 55}},
	PalettePerl:       {{0, 230}, {50, 165}, {165, 230}},
	PaletteRed:        {{200, 255}, {50, 100}, {50, 100}},
	PaletteGreen:      {{50, 100}, {200, 255}, {50, 100}},
	PaletteBlue:       {{50, 100}, {50, 100}, {200, 255}},
	PaletteAqua:       {{50, 100}, {200, 255}, {200, 255}},
	PaletteYellow:     {{200, 255}, {200, 255}, {50, 100}},
	PalettePurple:     {{190, 230}, {50, 100}, {190, 230}},
	PaletteOrange:     {{220, 255}, {130, 180}, {30, 70}},
	PaletteKernelUser: {{100, 140}, {100, 140}, {230, 255}},
	PaletteWakeup:     {{230, 255}, {150, 190}, {100, 140}},
	PaletteChain:      {{0, 255}, {0, 255}, {0, 255}},
}

// shadeFor deterministically derives an "#RRGGBB" color for name within the
// palette's hue band. Using FNV-1a rather than math/rand keeps output
// reproducible for identical (name, palette) pairs across runs, matching
// every --random mode's opposite by design.
func shadeFor(name string, palette Palette) string {
	hues, ok := paletteHues[palette]
	if !ok {
		hues = paletteHues[PaletteHot]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()

	r := scaleToRange(sum, hues[0])
	g := scaleToRange(sum>>8, hues[1])
	b := scaleToRange(sum>>16, hues[2])
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func scaleToRange(v uint32, rng [2]int) int {
	span := rng[1] - rng[0]
	if span <= 0 {
		return rng[0]
	}
	return rng[0] + int(v%uint32(span))
}
