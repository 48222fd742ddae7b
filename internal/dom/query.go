package dom

import (
	"log/slog"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/net/html"
)

func buildHTML(root *Node) *htmlTree {
	t := &htmlTree{
		doc:  &html.Node{Type: html.DocumentNode},
		back: make(map[*html.Node]*Node),
	}
	t.back[t.doc] = root
	var add func(parent *html.Node, n *Node)
	add = func(parent *html.Node, n *Node) {
		var h *html.Node
		switch n.Type {
		case cdp.NodeTypeElement:
			h = &html.Node{Type: html.ElementNode, Data: n.Name}
			for _, k := range n.attrKeys {
				h.Attr = append(h.Attr, html.Attribute{Key: k, Val: n.Attrs[k]})
			}
		case cdp.NodeTypeText:
			h = &html.Node{Type: html.TextNode, Data: n.Value}
		default:
			// document, fragment and doctype nodes are transparent
			for _, c := range n.Children {
				add(parent, c)
			}
			return
		}
		t.back[h] = n
		parent.AppendChild(h)
		for _, c := range n.Children {
			add(h, c)
		}
	}
	for _, c := range root.Children {
		add(t.doc, c)
	}
	return t
}

// QueryAll runs every selector over every root and returns the union in
// root order then document order, each node once. A root whose query fails
// is skipped for this call only. Nodes inside the status overlay are
// excluded.
func (s *Snapshot) QueryAll(selectors ...string) []*Node {
	seen := make(map[cdp.BackendNodeID]bool)
	var out []*Node
	for _, r := range s.Roots {
		for _, n := range r.query(selectors) {
			if seen[n.ID] || s.InOverlay(n) {
				continue
			}
			seen[n.ID] = true
			out = append(out, n)
		}
	}
	return out
}

func (r *Root) query(selectors []string) (found []*Node) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Debug("query root failed", "root", r.Key, "kind", r.Kind, "panic", rec)
			found = nil
		}
	}()
	if r.tree == nil {
		return nil
	}
	doc := goquery.NewDocumentFromNode(r.tree.doc)
	picked := make(map[*html.Node]bool)
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			picked[s.Get(0)] = true
		})
	}
	if len(picked) == 0 {
		return nil
	}
	// walk once more to keep document order across selectors
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		h := s.Get(0)
		if picked[h] {
			if n, ok := r.tree.back[h]; ok {
				found = append(found, n)
			}
		}
	})
	return found
}

// InOverlay reports whether n sits inside the reserved status overlay.
func (s *Snapshot) InOverlay(n *Node) bool {
	for c := n; c != nil; c = s.ComposedParent(c) {
		if id, _ := c.Attr("id"); id == StatusOverlayID {
			return true
		}
	}
	return false
}
