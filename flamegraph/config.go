// Package flamegraph implements the deterministic SVG flame-graph renderer
// of spec §4.H: it parses a folded-stack multiset into a trie, lays out one
// rectangle per retained frame, colors them by palette rule, and emits an
// SVG document with an embedded interactive script.
//
// No SVG or charting library appears anywhere in the retrieved corpus for
// this domain (Voskan-flarego's flamegraph.Builder, the closest match, only
// shows the *consumer* API shape in goroutine.go -- its actual renderer
// isn't in the retrieved pack). Output is therefore hand-built via
// fmt.Fprintf into a strings.Builder, matching the teacher's own
// fmt.Printf-heavy style rather than reaching for html/template, which
// would also HTML-escape attributes this format needs raw (e.g. the
// <script> block and path/transform data).
package flamegraph

// Palette selects the frame-fill color family (spec §4.H options table).
type Palette string

const (
	PaletteHot        Palette = "hot"
	PaletteMem        Palette = "mem"
	PaletteIO         Palette = "io"
	PaletteJava       Palette = "java"
	PaletteJS         Palette = "js"
	PalettePerl       Palette = "perl"
	PaletteRed        Palette = "red"
	PaletteGreen      Palette = "green"
	PaletteBlue       Palette = "blue"
	PaletteAqua       Palette = "aqua"
	PaletteYellow     Palette = "yellow"
	PalettePurple     Palette = "purple"
	PaletteOrange     Palette = "orange"
	PaletteKernelUser Palette = "kernel_user"
	PaletteWakeup     Palette = "wakeup"
	PaletteChain      Palette = "chain"
)

// Config is the renderer's configuration struct (spec §4.H options table).
type Config struct {
	Title    string
	Subtitle string

	Palette  Palette
	BGColors string // two gradient endpoints, "c1,c2" (color names or #RRGGBB); any other form uses the default gradient

	Width     int // canvas width in px
	RowHeight int // px per frame row

	FontType string
	FontSize int

	Inverted   bool // icicle: root at top
	FlameChart bool // preserve input order instead of sorting by name
	Hash       bool // color by hash of function name
	Random     bool // color randomly (unstable across runs)

	NameType string // leaf label prefix shown in the tooltip
}

// DefaultConfig mirrors flamegraph.pl's well-known defaults, which spec
// §8 scenario S2 relies on ("SVG title defaults to 'Flame Graph'").
func DefaultConfig() Config {
	return Config{
		Title:     "Flame Graph",
		Palette:   PaletteHot,
		BGColors:  "#eeeeee,#eeeeb0",
		Width:     1200,
		RowHeight: 16,
		FontType:  "Verdana",
		FontSize:  12,
		NameType:  "Function",
	}
}

const (
	minFrameWidthPx = 0.1 // spec §4.H step 2 "Minimum width threshold w_min = 0.1 px"
	canvasXPad      = 10.0
	headerHeight    = 70.0 // room for title + subtitle + search text
	footerPad       = 20.0
)
