// Package dom models a pierced DevTools DOM snapshot as an immutable set of
// roots (main document, shadow roots, same-origin frame documents) and
// answers selector and text queries over it.
package dom

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// StatusOverlayID is the reserved id of the in-page status summary. Nothing
// under it is ever yielded by a query.
const StatusOverlayID = "__autoaccept-status"

type Node struct {
	ID       cdp.BackendNodeID
	Type     cdp.NodeType
	Name     string
	Value    string
	Attrs    map[string]string
	attrKeys []string
	Parent   *Node
	Children []*Node
	// RootKey is the Key of the root whose tree owns this node.
	RootKey cdp.BackendNodeID
}

func (n *Node) IsElement() bool { return n != nil && n.Type == cdp.NodeTypeElement }

func (n *Node) Attr(name string) (string, bool) {
	if n == nil || n.Attrs == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

func (n *Node) HasClass(class string) bool {
	v, _ := n.Attr("class")
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// Text returns the node's text content with whitespace collapsed.
func (n *Node) Text() string {
	var b strings.Builder
	n.appendText(&b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (n *Node) appendText(b *strings.Builder) {
	if n == nil {
		return
	}
	switch {
	case n.Type == cdp.NodeTypeText:
		b.WriteString(n.Value)
		b.WriteByte(' ')
	case n.Name == "script" || n.Name == "style":
		return
	}
	for _, c := range n.Children {
		c.appendText(b)
	}
}

// Label is the visible label of a control: its text, then aria-label, then
// title.
func (n *Node) Label() string {
	if t := n.Text(); t != "" {
		return t
	}
	if v, ok := n.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := n.Attr("title"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// PrevElementSiblings returns element siblings before n, nearest first.
func (n *Node) PrevElementSiblings() []*Node {
	if n == nil || n.Parent == nil {
		return nil
	}
	sibs := n.Parent.Children
	idx := -1
	for i, s := range sibs {
		if s == n {
			idx = i
			break
		}
	}
	var out []*Node
	for i := idx - 1; i >= 0; i-- {
		if sibs[i].IsElement() {
			out = append(out, sibs[i])
		}
	}
	return out
}

// ElementSiblings returns every element sibling of n.
func (n *Node) ElementSiblings() []*Node {
	if n == nil || n.Parent == nil {
		return nil
	}
	var out []*Node
	for _, s := range n.Parent.Children {
		if s != n && s.IsElement() {
			out = append(out, s)
		}
	}
	return out
}

// Find returns descendants of n (n included) whose tag is one of names, in
// document order.
func (n *Node) Find(names ...string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(c *Node) {
		if c.IsElement() {
			for _, name := range names {
				if c.Name == name {
					out = append(out, c)
					break
				}
			}
		}
		for _, ch := range c.Children {
			walk(ch)
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}

func newNode(src *cdp.Node, parent *Node, rootKey cdp.BackendNodeID) *Node {
	n := &Node{
		ID:      src.BackendNodeID,
		Type:    src.NodeType,
		Parent:  parent,
		RootKey: rootKey,
	}
	switch src.NodeType {
	case cdp.NodeTypeElement:
		n.Name = strings.ToLower(src.LocalName)
		if n.Name == "" {
			n.Name = strings.ToLower(src.NodeName)
		}
	case cdp.NodeTypeText:
		n.Name = "#text"
		n.Value = src.NodeValue
	default:
		n.Name = src.NodeName
	}
	if len(src.Attributes) > 1 {
		n.Attrs = make(map[string]string, len(src.Attributes)/2)
		for i := 0; i+1 < len(src.Attributes); i += 2 {
			k := strings.ToLower(src.Attributes[i])
			if _, dup := n.Attrs[k]; !dup {
				n.attrKeys = append(n.attrKeys, k)
			}
			n.Attrs[k] = src.Attributes[i+1]
		}
	}
	return n
}
