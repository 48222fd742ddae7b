package dom

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"golang.org/x/net/html"
)

type RootKind int

const (
	RootDocument RootKind = iota
	RootShadow
	RootFrame
)

func (k RootKind) String() string {
	switch k {
	case RootShadow:
		return "shadow"
	case RootFrame:
		return "frame"
	default:
		return "document"
	}
}

// Root is one DOM tree reachable from the main document. Key is the
// backend id of the root node and stays stable across snapshots.
type Root struct {
	Key    cdp.BackendNodeID
	Kind   RootKind
	Node   *Node
	Host   *Node
	Parent cdp.BackendNodeID
	Depth  int

	tree *htmlTree
}

type htmlTree struct {
	doc  *html.Node
	back map[*html.Node]*Node
}

// Snapshot is an immutable root set. Rebuild or Replace produce new
// snapshots; existing ones are never modified.
type Snapshot struct {
	Roots []*Root
	Built time.Time

	byKey map[cdp.BackendNodeID]*Root
	nodes map[cdp.BackendNodeID]*Node
}

type pendingRoot struct {
	src    *cdp.Node
	kind   RootKind
	host   *Node
	parent cdp.BackendNodeID
	depth  int
}

// Build walks a pierced document breadth-first. Every open or closed shadow
// root and every frame whose content document is present becomes a root.
// User-agent shadow roots and frames without a content document
// (cross-origin) are skipped.
func Build(doc *cdp.Node, now time.Time) *Snapshot {
	s := &Snapshot{
		Built: now,
		byKey: make(map[cdp.BackendNodeID]*Root),
		nodes: make(map[cdp.BackendNodeID]*Node),
	}
	if doc == nil {
		return s
	}

	queue := []pendingRoot{{src: doc, kind: RootDocument}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if _, seen := s.byKey[p.src.BackendNodeID]; seen {
			continue
		}
		r, nested := convertRoot(p)
		s.addRoot(r)
		queue = append(queue, nested...)
	}
	return s
}

func convertRoot(p pendingRoot) (*Root, []pendingRoot) {
	r := &Root{
		Key:    p.src.BackendNodeID,
		Kind:   p.kind,
		Host:   p.host,
		Parent: p.parent,
		Depth:  p.depth,
	}
	var nested []pendingRoot

	var convert func(src *cdp.Node, parent *Node) *Node
	convert = func(src *cdp.Node, parent *Node) *Node {
		n := newNode(src, parent, r.Key)
		for _, c := range src.Children {
			n.Children = append(n.Children, convert(c, n))
		}
		for _, sr := range src.ShadowRoots {
			if sr.ShadowRootType == cdp.ShadowRootTypeUserAgent {
				continue
			}
			nested = append(nested, pendingRoot{src: sr, kind: RootShadow, host: n, parent: r.Key, depth: p.depth + 1})
		}
		if src.ContentDocument != nil {
			nested = append(nested, pendingRoot{src: src.ContentDocument, kind: RootFrame, host: n, parent: r.Key, depth: p.depth + 1})
		}
		return n
	}
	r.Node = convert(p.src, nil)
	r.tree = buildHTML(r.Node)
	return r, nested
}

func (s *Snapshot) addRoot(r *Root) {
	s.Roots = append(s.Roots, r)
	s.byKey[r.Key] = r
	var index func(*Node)
	index = func(n *Node) {
		s.nodes[n.ID] = n
		for _, c := range n.Children {
			index(c)
		}
	}
	index(r.Node)
}

func (s *Snapshot) Root(key cdp.BackendNodeID) (*Root, bool) {
	r, ok := s.byKey[key]
	return r, ok
}

func (s *Snapshot) Node(id cdp.BackendNodeID) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Snapshot) Keys() []cdp.BackendNodeID {
	keys := make([]cdp.BackendNodeID, len(s.Roots))
	for i, r := range s.Roots {
		keys[i] = r.Key
	}
	return keys
}

// ComposedParent steps to the parent node, crossing from a root node to its
// shadow host or frame element.
func (s *Snapshot) ComposedParent(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.Parent != nil {
		return n.Parent
	}
	if r, ok := s.byKey[n.RootKey]; ok {
		return r.Host
	}
	return nil
}

// Ancestors returns up to max composed element ancestors of n, nearest
// first. max <= 0 means unbounded.
func (s *Snapshot) Ancestors(n *Node, max int) []*Node {
	var out []*Node
	for p := s.ComposedParent(n); p != nil; p = s.ComposedParent(p) {
		if !p.IsElement() {
			continue
		}
		out = append(out, p)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// Replace returns a snapshot in which the content of root key is swapped
// for fresh, membership unchanged. needRebuild is true when fresh exposes a
// different set of shadow or frame boundaries than the current snapshot
// knows about, in which case the caller must rebuild from the document.
func (s *Snapshot) Replace(key cdp.BackendNodeID, fresh *cdp.Node) (next *Snapshot, needRebuild bool) {
	old, ok := s.byKey[key]
	if !ok || fresh == nil || fresh.BackendNodeID != key {
		return s, true
	}

	r, nested := convertRoot(pendingRoot{src: fresh, kind: old.Kind, host: old.Host, parent: old.Parent, depth: old.Depth})

	var want, have []cdp.BackendNodeID
	for _, p := range nested {
		want = append(want, p.src.BackendNodeID)
	}
	for _, c := range s.Roots {
		if c.Parent == key && c.Key != key {
			have = append(have, c.Key)
		}
	}
	slices.Sort(want)
	slices.Sort(have)
	if !slices.Equal(want, have) {
		return s, true
	}

	next = &Snapshot{
		Built: s.Built,
		byKey: make(map[cdp.BackendNodeID]*Root, len(s.byKey)),
		nodes: make(map[cdp.BackendNodeID]*Node, len(s.nodes)),
	}
	hosts := make(map[cdp.BackendNodeID]*Node)
	for _, p := range nested {
		hosts[p.src.BackendNodeID] = p.host
	}
	for _, c := range s.Roots {
		switch {
		case c.Key == key:
			next.addRoot(r)
		case c.Parent == key:
			relinked := *c
			relinked.Host = hosts[c.Key]
			next.addRoot(&relinked)
		default:
			next.addRoot(c)
		}
	}
	return next, false
}

// Fetch takes a fresh pierced document from the target and builds a
// snapshot.
func Fetch(ctx context.Context, exec cdp.Executor, now time.Time) (*Snapshot, error) {
	doc, err := cdpdom.GetDocument().WithDepth(-1).WithPierce(true).Do(cdp.WithExecutor(ctx, exec))
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return Build(doc, now), nil
}

// Refresh re-reads one root's content. See Replace for needRebuild.
func (s *Snapshot) Refresh(ctx context.Context, exec cdp.Executor, key cdp.BackendNodeID) (*Snapshot, bool, error) {
	fresh, err := cdpdom.DescribeNode().WithBackendNodeID(key).WithDepth(-1).WithPierce(true).Do(cdp.WithExecutor(ctx, exec))
	if err != nil {
		return s, false, fmt.Errorf("describe root %d: %w", key, err)
	}
	next, rebuild := s.Replace(key, fresh)
	return next, rebuild, nil
}

// Signal is what a root's mutation observer reports: which root changed and
// whether the change revealed a new shadow or frame boundary.
type Signal struct {
	Root       cdp.BackendNodeID `json:"root"`
	Structural bool              `json:"structural"`
}
