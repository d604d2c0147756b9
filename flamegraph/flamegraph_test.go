package flamegraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildTrieAccumulatesTotals(t *testing.T) {
	lines := []string{"a;b;c 10", "a;b;d 20"}
	root, total, err := buildTrie(lines, false)
	require.NoError(t, err)
	require.EqualValues(t, 30, total)

	a := root.children[0]
	require.Equal(t, "a", a.name)
	require.EqualValues(t, 30, a.total)

	b := a.children[0]
	require.Equal(t, "b", b.name)
	require.EqualValues(t, 30, b.total)
	require.Len(t, b.children, 2)
}

func TestBuildTrieSortsAlphabeticallyUnlessFlameChart(t *testing.T) {
	lines := []string{"a;zed 1", "a;able 2"}

	sorted, _, err := buildTrie(lines, false)
	require.NoError(t, err)
	require.Equal(t, "able", sorted.children[0].children[0].name)
	require.Equal(t, "zed", sorted.children[0].children[1].name)

	chart, _, err := buildTrie(lines, true)
	require.NoError(t, err)
	require.Equal(t, "zed", chart.children[0].children[0].name)
	require.Equal(t, "able", chart.children[0].children[1].name)
}

func TestSplitFoldedLineRejectsMalformed(t *testing.T) {
	_, _, err := splitFoldedLine("no-count-field")
	require.Error(t, err)

	_, _, err = splitFoldedLine(" 5")
	require.Error(t, err)

	_, _, err = splitFoldedLine("a;b notanumber")
	require.Error(t, err)
}

func TestLayoutProducesFourRectsForTwoSiblingStacks(t *testing.T) {
	lines := []string{"a;b;c 10", "a;b;d 20"}
	cfg := DefaultConfig()
	root, total, err := buildTrie(lines, cfg.FlameChart)
	require.NoError(t, err)

	lr := layout(root, total, cfg)
	require.Len(t, lr.rects, 4) // a, b, c, d -- the synthetic root is never emitted
}

func TestLayoutPrunesNarrowFrames(t *testing.T) {
	lines := make([]string, 0, 2000)
	lines = append(lines, "a;big 1999")
	lines = append(lines, "a;tiny 1")
	cfg := DefaultConfig()
	cfg.Width = 100

	root, total, err := buildTrie(lines, cfg.FlameChart)
	require.NoError(t, err)
	lr := layout(root, total, cfg)

	var sawTiny bool
	for _, r := range lr.rects {
		if r.name == "tiny" {
			sawTiny = true
		}
	}
	require.False(t, sawTiny, "a frame narrower than w_min must be pruned")
}

func TestLayoutInvertedFlipsY(t *testing.T) {
	lines := []string{"a;b 1"}
	cfg := DefaultConfig()
	cfg.Inverted = true

	root, total, err := buildTrie(lines, cfg.FlameChart)
	require.NoError(t, err)
	lr := layout(root, total, cfg)

	require.Len(t, lr.rects, 2)
	var aY, bY float64
	for _, r := range lr.rects {
		if r.name == "a" {
			aY = r.y
		}
		if r.name == "b" {
			bY = r.y
		}
	}
	require.Less(t, aY, bY, "in inverted mode the root frame sits above its child")
}

func TestColorForKernelAndOffCPUSuffixesOverridePalette(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Palette = PaletteJava

	kernelColor := colorFor("schedule_[k]", 0, cfg)
	userColor := colorFor("schedule", 0, cfg)
	require.NotEqual(t, kernelColor, userColor)
}

func TestShadeForIsDeterministic(t *testing.T) {
	c1 := shadeFor("main.fib", PaletteHot)
	c2 := shadeFor("main.fib", PaletteHot)
	require.Equal(t, c1, c2)
}

func TestRenderIsDeterministicForFixedInputAndConfig(t *testing.T) {
	lines := []string{"a;b;c 10", "a;b;d 20"}
	cfg := DefaultConfig()

	out1, err := Render(lines, cfg)
	require.NoError(t, err)
	out2, err := Render(lines, cfg)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestRenderProducesExpectedRectCountAndDefaultTitle(t *testing.T) {
	lines := []string{"a;b;c 10", "a;b;d 20"}
	out, err := Render(lines, DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, 4, strings.Count(out, "<rect"))
	require.Contains(t, out, ">Flame Graph<")
	require.True(t, strings.HasSuffix(out, "</svg>\n"))
}

func TestRenderEscapesXMLSpecialCharsInNames(t *testing.T) {
	lines := []string{`a<script>;b 1`}
	out, err := Render(lines, DefaultConfig())
	require.NoError(t, err)
	require.NotContains(t, out, "<script>;b")
}

func TestRenderRejectsMalformedFoldedLine(t *testing.T) {
	_, err := Render([]string{"garbage"}, DefaultConfig())
	require.Error(t, err)
}
