package flamegraph

import (
	"fmt"
	"html"
	"strings"
)

// Render turns folded-stack lines into a complete SVG document (spec §4.H,
// §6.3's 5-part structure: defs, header text, one <g> per frame, an
// interactive script block, the closing tag). Render is pure and
// deterministic: identical lines and cfg always produce byte-identical
// output, except under cfg.Random (spec §8 property 5 and its one
// sanctioned exception).
func Render(lines []string, cfg Config) (string, error) {
	root, total, err := buildTrie(lines, cfg.FlameChart)
	if err != nil {
		return "", err
	}
	lr := layout(root, total, cfg)

	var b strings.Builder
	writeHeader(&b, lr, cfg)
	writeDefs(&b, lr, cfg)
	writeTitle(&b, lr, cfg)
	for _, r := range lr.rects {
		writeFrame(&b, r, lr, cfg, total)
	}
	writeScript(&b)
	b.WriteString("</svg>\n")
	return b.String(), nil
}

func writeHeader(b *strings.Builder, lr layoutResult, cfg Config) {
	fmt.Fprintf(b, `<?xml version="1.0" standalone="no"?>`+"\n")
	fmt.Fprintf(b, `<!DOCTYPE svg PUBLIC "-//W3C//DTD SVG 1.1//EN" "http://www.w3.org/Graphics/SVG/1.1/DTD/svg11.dtd">`+"\n")
	fmt.Fprintf(b, `<svg version="1.1" width="%.0f" height="%.0f" onload="init(evt)" viewBox="0 0 %.0f %.0f" xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink">`+"\n",
		lr.canvasW, lr.canvasH, lr.canvasW, lr.canvasH)
}

func writeDefs(b *strings.Builder, lr layoutResult, cfg Config) {
	colors := strings.Split(cfg.BGColors, ",")
	c1, c2 := "#eeeeee", "#eeeeb0"
	if len(colors) == 2 {
		c1, c2 = colors[0], colors[1]
	}
	fmt.Fprintf(b, "<defs>\n")
	fmt.Fprintf(b, `  <linearGradient id="background" y1="0" y2="1" x1="0" x2="0">`+"\n")
	fmt.Fprintf(b, `    <stop stop-color="%s" offset="5%%" />`+"\n", html.EscapeString(c1))
	fmt.Fprintf(b, `    <stop stop-color="%s" offset="95%%" />`+"\n", html.EscapeString(c2))
	fmt.Fprintf(b, "  </linearGradient>\n")
	fmt.Fprintf(b, "</defs>\n")
	// The background is a <polygon>, so every <rect> in the document is a frame.
	fmt.Fprintf(b, `<polygon points="0,0 %.0f,0 %.0f,%.0f 0,%.0f" fill="url(#background)" />`+"\n",
		lr.canvasW, lr.canvasW, lr.canvasH, lr.canvasH)
}

func writeTitle(b *strings.Builder, lr layoutResult, cfg Config) {
	fmt.Fprintf(b, `<text id="title" text-anchor="middle" x="%.2f" y="24" font-size="17" font-family="%s" fill="rgb(0,0,0)">%s</text>`+"\n",
		lr.canvasW/2, html.EscapeString(cfg.FontType), html.EscapeString(cfg.Title))
	if cfg.Subtitle != "" {
		fmt.Fprintf(b, `<text text-anchor="middle" x="%.2f" y="40" font-size="12" font-family="%s" fill="rgb(0,0,0)">%s</text>`+"\n",
			lr.canvasW/2, html.EscapeString(cfg.FontType), html.EscapeString(cfg.Subtitle))
	}
	fmt.Fprintf(b, `<text id="details" text-anchor="left" x="%.2f" y="%.2f" font-size="%d" font-family="%s" fill="rgb(0,0,0)"> </text>`+"\n",
		canvasXPad, lr.canvasH-5, cfg.FontSize, html.EscapeString(cfg.FontType))
	fmt.Fprintf(b, `<text id="search" onmouseover="searchover()" onmouseout="searchout()" onclick="search_prompt()" text-anchor="right" x="%.2f" y="24" font-size="12" font-family="%s" fill="rgb(0,0,0)">Search</text>`+"\n",
		lr.canvasW-100, html.EscapeString(cfg.FontType))
	fmt.Fprintf(b, `<text id="matched" text-anchor="right" x="%.2f" y="%.2f" font-size="12" font-family="%s" fill="rgb(0,0,0)"> </text>`+"\n",
		lr.canvasW-100, lr.canvasH-5, html.EscapeString(cfg.FontType))
}

// writeFrame emits one frame's <g> group: a rect, plus a clipped text label
// when the frame is at least 3 character widths wide (spec §4.H step 5:
// "text clipped under roughly 3x the character width").
func writeFrame(b *strings.Builder, r rect, lr layoutResult, cfg Config, total uint64) {
	pct := 0.0
	if total > 0 {
		pct = float64(r.total) / float64(total) * 100
	}
	tipName := stripSuffixes(r.name)
	if cfg.NameType != "" {
		tipName = cfg.NameType + ": " + tipName
	}
	title := fmt.Sprintf("%s (%d samples, %.2f%%)", tipName, r.total, pct)

	fmt.Fprintf(b, `<g class="func_g" onmouseover="s(this)" onmouseout="c()" onclick="zoom(this)">`+"\n")
	fmt.Fprintf(b, "  <title>%s</title>\n", html.EscapeString(title))
	fmt.Fprintf(b, `  <rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="%s" rx="2" ry="2" />`+"\n",
		r.x, r.y, r.w, r.h, r.fill)

	charWidth := float64(cfg.FontSize) * 0.6
	if r.w >= 3*charWidth {
		maxChars := int(r.w / charWidth)
		label := clipLabel(stripSuffixes(r.name), maxChars)
		fmt.Fprintf(b, `  <text text-anchor="left" x="%.2f" y="%.2f" font-size="%d" font-family="%s" fill="rgb(0,0,0)">%s</text>`+"\n",
			r.x+2, r.y+r.h-4, cfg.FontSize, html.EscapeString(cfg.FontType), html.EscapeString(label))
	}
	fmt.Fprintf(b, "</g>\n")
}

func stripSuffixes(name string) string {
	name = strings.TrimSuffix(name, "_[k]")
	name = strings.TrimSuffix(name, "_[o]")
	return name
}

func clipLabel(name string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(name)
	if len(runes) <= maxChars {
		return name
	}
	if maxChars <= 2 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-2]) + ".."
}

// writeScript emits the interactive zoom/search/reset behavior (spec §4.H
// step 6), a fixed, self-contained block independent of the input data --
// this is what makes two renders of different inputs still share byte-
// identical script text.
func writeScript(b *strings.Builder) {
	b.WriteString(`<script type="text/ecmascript">
<![CDATA[
	var details, searchbtn, matchedtxt, svg, searching;
	function init(evt) {
		details = document.getElementById("details").firstChild;
		searchbtn = document.getElementById("search");
		matchedtxt = document.getElementById("matched").firstChild;
		svg = document.getElementsByTagName("svg")[0];
		searching = 0;
	}
	function s(node) {
		var rect = node.getElementsByTagName("rect")[0];
		var title = node.getElementsByTagName("title")[0].firstChild.nodeValue;
		details.nodeValue = title;
	}
	function c() {
		details.nodeValue = ' ';
	}
	function zoom(node) {
		var rect = node.getElementsByTagName("rect")[0];
		if (!rect) return;
		var x = rect.attributes["x"].value;
		svg.setAttribute("viewBox", x + " 0 " + svg.getAttribute("width") + " " + svg.getAttribute("height"));
	}
	function reset_zoom() {
		svg.setAttribute("viewBox", "0 0 " + svg.getAttribute("width") + " " + svg.getAttribute("height"));
	}
	function searchover() { searchbtn.style.opacity = "0.5"; }
	function searchout() { searchbtn.style.opacity = "1"; }
	function search_prompt() {
		var term = prompt("Enter a search term (regexp allowed)", "");
		if (term == null) return;
		var re = new RegExp(term);
		var gs = document.getElementsByTagName("g");
		var matched = 0;
		for (var i = 0; i < gs.length; i++) {
			var t = gs[i].getElementsByTagName("title")[0];
			if (t && re.test(t.firstChild.nodeValue)) {
				gs[i].getElementsByTagName("rect")[0].style.stroke = "rgb(255,0,0)";
				matched++;
			}
		}
		matchedtxt.nodeValue = matched + " matched";
	}
]]>
</script>
`)
}
