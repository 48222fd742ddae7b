package classify

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pinchtab/autoaccept/internal/dom"
)

const (
	extractAncestorLevels = 6
	extractMaxText        = 4096
)

type source struct {
	ctx    context.Context
	snap   *dom.Snapshot
	values ValueReader
}

type extractor func(src source, n *dom.Node) []string

// Ordered command-text strategies. The first one that finds anything wins.
var extractors = []struct {
	name string
	fn   extractor
}{
	{"ancestor-code", ancestorCode},
	{"preceding-siblings", precedingSiblings},
	{"aria", ariaText},
	{"ancestor-text", ancestorText},
	{"sibling-inputs", siblingInputs},
}

// ExtractCommand collects the command text shown near a run control and
// names the strategy that produced it. The parts are returned whole;
// callers clip only what they store. values may be nil, in which case
// inputs are read from their markup.
func ExtractCommand(ctx context.Context, s *dom.Snapshot, n *dom.Node, values ValueReader) (parts []string, strategy string) {
	src := source{ctx: ctx, snap: s, values: values}
	for _, e := range extractors {
		var kept []string
		for _, p := range e.fn(src, n) {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			return kept, e.name
		}
	}
	return nil, ""
}

// clip shortens s to extractMaxText bytes without splitting a rune.
func clip(s string) string {
	if len(s) <= extractMaxText {
		return s
	}
	cut := extractMaxText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isCode(n *dom.Node) bool { return n.Name == "code" || n.Name == "pre" }

// ancestorCode gathers the code and pre blocks preceding each ancestor,
// nearest level first, across every level walked.
func ancestorCode(src source, n *dom.Node) []string {
	var found []string
	for _, a := range src.snap.Ancestors(n, extractAncestorLevels) {
		for _, sib := range a.PrevElementSiblings() {
			for _, c := range sib.Find("pre", "code") {
				if c.Name == "code" && hasCodeAncestor(c, sib) {
					continue
				}
				found = append(found, c.Text())
			}
		}
	}
	return found
}

// hasCodeAncestor reports whether c is nested in another code block below
// stop, so <pre><code> is read once.
func hasCodeAncestor(c, stop *dom.Node) bool {
	for p := c.Parent; p != nil; p = p.Parent {
		if isCode(p) {
			return true
		}
		if p == stop {
			return false
		}
	}
	return false
}

func precedingSiblings(_ source, n *dom.Node) []string {
	var out []string
	for _, sib := range n.PrevElementSiblings() {
		out = append(out, sib.Text())
	}
	return out
}

func ariaText(_ source, n *dom.Node) []string {
	var out []string
	for _, attr := range []string{"aria-label", "title"} {
		if v, ok := n.Attr(attr); ok {
			out = append(out, v)
		}
	}
	return out
}

// ancestorText takes the text of the nearest ancestor that says more than
// the control itself, or of an enclosing dialog if one is met first.
func ancestorText(src source, n *dom.Node) []string {
	label := n.Text()
	for _, a := range src.snap.Ancestors(n, extractAncestorLevels) {
		role, _ := a.Attr("role")
		if role == "dialog" || role == "alertdialog" || a.Name == "dialog" {
			return []string{a.Text()}
		}
		if t := a.Text(); t != label && len(t) > len(label) {
			return []string{t}
		}
	}
	return nil
}

// siblingInputs reads the inputs and textareas near the control. Live
// values come from the page when a reader is available, since scripts set
// .value without touching the markup.
func siblingInputs(src source, n *dom.Node) []string {
	var out []string
	for _, a := range src.snap.Ancestors(n, 3) {
		for _, in := range a.Find("input", "textarea") {
			if v, ok := liveValue(src, in); ok {
				out = append(out, v)
				continue
			}
			if in.Name == "textarea" {
				out = append(out, in.Text())
				continue
			}
			if v, ok := in.Attr("value"); ok {
				out = append(out, v)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

func liveValue(src source, in *dom.Node) (string, bool) {
	if src.values == nil {
		return "", false
	}
	v, err := src.values.Value(src.ctx, in.ID)
	if err != nil {
		return "", false
	}
	return v, true
}
