package flamegraph

// rect is one positioned, colored frame ready for SVG emission (spec §4.H
// step 3: "assign each frame a rectangle (x, y, w, h)").
type rect struct {
	name  string
	depth int
	x, y  float64
	w, h  float64
	total uint64
	fill  string
}

// layoutResult bundles the emitted rectangles with the canvas size they
// were computed against.
type layoutResult struct {
	rects      []rect
	maxDepth   int
	canvasW    float64
	canvasH    float64
	totalCount uint64
}

// layout walks the trie and assigns pixel rectangles (spec §4.H steps
// 2-3). Subtrees narrower than minFrameWidthPx are pruned from the output
// -- not recursed into -- but their counts already contributed to their
// ancestors' totals during buildTrie, so parent widths are unaffected.
func layout(root *node, total uint64, cfg Config) layoutResult {
	innerWidth := float64(cfg.Width) - 2*canvasXPad
	if innerWidth < 1 {
		innerWidth = 1
	}
	s := float64(total)
	if s == 0 {
		s = 1
	}

	var rects []rect
	maxDepth := 0

	var walk func(n *node, x0 float64, depth int)
	walk = func(n *node, x0 float64, depth int) {
		if depth >= 0 {
			w := float64(n.total) / s * innerWidth
			if w < minFrameWidthPx {
				return
			}
			if depth > maxDepth {
				maxDepth = depth
			}
			rects = append(rects, rect{
				name:  n.name,
				depth: depth,
				x:     x0,
				w:     w,
				total: n.total,
				fill:  colorFor(n.name, depth, cfg),
			})
		}

		childX := x0
		for _, c := range n.children {
			walk(c, childX, depth+1)
			childX += float64(c.total) / s * innerWidth
		}
	}
	walk(root, canvasXPad, -1)

	rowHeight := float64(cfg.RowHeight)
	canvasH := headerHeight + float64(maxDepth+1)*rowHeight + footerPad

	for i := range rects {
		if cfg.Inverted {
			rects[i].y = headerHeight + float64(rects[i].depth)*rowHeight
		} else {
			rects[i].y = canvasH - footerPad - float64(rects[i].depth+1)*rowHeight
		}
		rects[i].h = rowHeight
	}

	return layoutResult{
		rects:      rects,
		maxDepth:   maxDepth,
		canvasW:    float64(cfg.Width),
		canvasH:    canvasH,
		totalCount: total,
	}
}
