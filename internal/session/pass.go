package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/dom"
)

type TabStatus string

const (
	TabWaiting    TabStatus = "waiting"
	TabInProgress TabStatus = "in-progress"
	TabDone       TabStatus = "done"
)

// passState is owned by a single caller and never shared.
type passState struct {
	snap       *dom.Snapshot
	dirty      map[cdp.BackendNodeID]bool
	structural bool
	// observe keeps in-page observers in step with full rebuilds. On-demand
	// passes leave observers alone.
	observe bool
}

func newPassState(observe bool) *passState {
	return &passState{dirty: make(map[cdp.BackendNodeID]bool), observe: observe}
}

// outcome summarises one pass for rotation bookkeeping.
type outcome struct {
	clicked  bool
	pending  bool
	decision classify.Decision
}

var errStale = errors.New("generation changed")

func (s *Session) pass(ctx context.Context, gen uint64, cfg Config, st *passState) bool {
	if s.held() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()
	defer s.release(ctx)

	snap, res, err := s.scan(ctx, gen, cfg, st)
	switch {
	case errors.Is(err, dispatch.ErrTyping):
		s.log.Debug("editable focused, skipping pass")
		return false
	case errors.Is(err, errStale):
		return false
	case err != nil:
		s.log.Debug("pass incomplete", "err", err)
	}
	if snap != nil && cfg.Mode == ModeRotation && !s.stale(gen) {
		s.rotate(ctx, cfg, snap, res)
	}
	return res.clicked
}

func (s *Session) release(ctx context.Context) {
	if err := s.page.Release(ctx); err != nil {
		s.log.Debug("release failed", "err", err)
	}
}

// scan is the gated core of a pass: focus check, refresh, classification
// and at most one activation. The snapshot is nil when the pass stopped
// before classifying.
func (s *Session) scan(ctx context.Context, gen uint64, cfg Config, st *passState) (*dom.Snapshot, outcome, error) {
	var res outcome
	typing, err := s.page.Focused(ctx)
	if err != nil {
		return nil, res, fmt.Errorf("focus check: %w", err)
	}
	if typing {
		return nil, res, dispatch.ErrTyping
	}
	if s.stale(gen) {
		return nil, res, errStale
	}

	snap, err := s.refresh(ctx, cfg, st)
	if err != nil {
		return nil, res, fmt.Errorf("root refresh: %w", err)
	}
	if s.stale(gen) {
		return nil, res, errStale
	}

	var cands []dispatch.Candidate
	for _, n := range snap.QueryAll(cfg.Selectors...) {
		d := s.cls.Classify(ctx, snap, n)
		if s.stale(gen) {
			return nil, res, errStale
		}
		if d.Blocked() {
			res.pending = true
			if s.vetoes.first(n.ID, d.Command) {
				s.stats.blocked()
				s.report.Blocked(s.target, d)
				s.log.Warn("blocked command", "label", d.Label, "pattern", d.Pattern, "command", d.Command)
			}
		}
		cands = append(cands, dispatch.Candidate{Node: n, Decision: d})
		if d.Accepted() {
			break
		}
	}

	picked, ok, err := s.disp.Dispatch(ctx, cands)
	if errors.Is(err, dispatch.ErrTyping) {
		return nil, res, err
	}
	if err != nil {
		res.pending = true
		return snap, res, err
	}
	if ok && !s.stale(gen) {
		away := !s.present.Load()
		s.stats.click(picked.Decision.Category, away)
		s.report.Activated(s.target, picked.Decision, away)
		s.log.Info("activated", "label", picked.Decision.Label, "category", picked.Decision.Category, "away", away)
		res.clicked = true
		res.decision = picked.Decision
	}
	return snap, res, nil
}

// AcceptNow runs one classified, gated pass outside the loop's schedule and
// reports the decision it acted on. It refuses with dispatch.ErrTyping
// while an editable control holds focus. Rotation is not advanced.
func (s *Session) AcceptNow(ctx context.Context, cfg Config) (classify.Decision, bool, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()
	defer s.release(ctx)

	gen := s.gen.Load()
	_, res, err := s.scan(ctx, gen, cfg, newPassState(false))
	if errors.Is(err, errStale) {
		return classify.Decision{}, false, fmt.Errorf("session restarted during pass: %w", err)
	}
	if err != nil {
		return classify.Decision{}, false, err
	}
	return res.decision, res.clicked, nil
}

// StopSelectors find the control that halts an in-flight generation.
var StopSelectors = []string{"button", `[role="button"]`, ".action-label", ".codicon-stop"}

// StopGeneration activates the first enabled stop control on the page and
// reports whether one was found.
func (s *Session) StopGeneration(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	defer s.release(ctx)

	snap, err := s.page.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	n, ok := stopControl(snap)
	if !ok {
		return false, nil
	}
	if err := s.page.Activate(ctx, n.ID, time.Now()); err != nil {
		return false, fmt.Errorf("activate stop control: %w", err)
	}
	s.log.Info("generation stopped", "label", n.Label())
	return true, nil
}

func stopControl(snap *dom.Snapshot) (*dom.Node, bool) {
	for _, n := range snap.QueryAll(StopSelectors...) {
		if n.HasClass("codicon-stop") {
			if p := clickableAncestor(snap, n); p != nil {
				n = p
			}
		} else if !slices.Contains(labelWords(n.Label()), "stop") && !hasClassBelow(n, "codicon-stop") {
			continue
		}
		if _, disabled := n.Attr("disabled"); disabled {
			continue
		}
		return n, true
	}
	return nil, false
}

func labelWords(label string) []string {
	return strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func clickableAncestor(snap *dom.Snapshot, n *dom.Node) *dom.Node {
	for _, a := range snap.Ancestors(n, 3) {
		role, _ := a.Attr("role")
		if a.Name == "button" || a.Name == "a" || role == "button" {
			return a
		}
	}
	return nil
}

func hasClassBelow(n *dom.Node, class string) bool {
	for _, c := range n.Children {
		if c.HasClass(class) || hasClassBelow(c, class) {
			return true
		}
	}
	return false
}

// refresh returns the snapshot for this pass. Dirty roots are re-read one
// by one; anything structural, a signal overflow, a root that can no
// longer be patched in place, or an old snapshot forces a full rebuild.
func (s *Session) refresh(ctx context.Context, cfg Config, st *passState) (*dom.Snapshot, error) {
	full := st.snap == nil || st.structural || s.overflow.Swap(false)
	if !full && time.Since(st.snap.Built) >= cfg.RebuildEvery {
		full = true
	}
	if !full {
		snap := st.snap
		for key := range st.dirty {
			next, rebuild, err := s.page.RefreshRoot(ctx, snap, key)
			if err != nil || rebuild {
				full = true
				break
			}
			snap = next
		}
		if !full {
			st.snap = snap
			clear(st.dirty)
			return snap, nil
		}
	}

	snap, err := s.page.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st.snap = snap
	st.structural = false
	clear(st.dirty)
	s.cls.Cache.Purge(time.Now())
	s.vetoes.retain(snap)
	if !st.observe {
		return snap, nil
	}
	if err := s.page.Observe(ctx, snap.Keys()); err != nil {
		s.log.Debug("observer setup incomplete", "err", err)
	}
	return snap, nil
}

// rotate updates the current tab's status, renders the overlay and, when
// nothing on the current tab needs attention, moves on to the next tab.
func (s *Session) rotate(ctx context.Context, cfg Config, snap *dom.Snapshot, res outcome) {
	handles := tabHandles(snap, cfg.TabSelectors)
	if len(handles) == 0 {
		return
	}

	status := TabDone
	switch {
	case res.clicked:
		status = TabInProgress
	case res.pending:
		status = TabWaiting
	case len(snap.QueryAll(cfg.BusySelectors...)) > 0:
		status = TabInProgress
	}

	s.mu.Lock()
	names := make([]string, len(handles))
	for i, h := range handles {
		names[i] = h.name
	}
	cur := currentTab(handles, s.tabIdx)
	s.tabIdx = cur
	s.tabs = names
	for name := range s.tabStatus {
		if !slices.Contains(names, name) {
			delete(s.tabStatus, name)
		}
	}
	s.tabStatus[names[cur]] = status
	rows := make([]statusRow, 0, len(names))
	for _, name := range names {
		if st, ok := s.tabStatus[name]; ok {
			rows = append(rows, statusRow{Name: name, Status: st})
		}
	}
	s.mu.Unlock()

	if err := s.page.Status(ctx, rows); err != nil {
		s.log.Debug("status overlay failed", "err", err)
	}
	if status == TabInProgress || len(handles) < 2 {
		return
	}
	next := (cur + 1) % len(handles)
	if err := s.page.Activate(ctx, handles[next].node.ID, time.Now()); err != nil {
		s.log.Debug("tab switch failed", "tab", handles[next].name, "err", err)
		return
	}
	s.mu.Lock()
	s.tabIdx = next
	s.mu.Unlock()
}

type statusRow struct {
	Name   string    `json:"name"`
	Status TabStatus `json:"status"`
}

type tabHandle struct {
	node     *dom.Node
	name     string
	selected bool
}

func tabHandles(snap *dom.Snapshot, selectors []string) []tabHandle {
	var out []tabHandle
	seen := make(map[string]bool)
	for _, n := range snap.QueryAll(selectors...) {
		name := n.Label()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		sel, _ := n.Attr("aria-selected")
		out = append(out, tabHandle{
			node:     n,
			name:     name,
			selected: sel == "true" || n.HasClass("active") || n.HasClass("selected"),
		})
	}
	return out
}

// currentTab prefers the tab the UI marks as selected, then the last index
// the session moved to.
func currentTab(handles []tabHandle, last int) int {
	for i, h := range handles {
		if h.selected {
			return i
		}
	}
	if last >= 0 && last < len(handles) {
		return last
	}
	return 0
}

// State is a point-in-time view of a session.
type State struct {
	Target      string               `json:"target"`
	Running     bool                 `json:"running"`
	Mode        Mode                 `json:"mode"`
	Generation  uint64               `json:"generation"`
	Tabs        []string             `json:"tabs,omitempty"`
	TabStatus   map[string]TabStatus `json:"tabStatus,omitempty"`
	Stats       Stats                `json:"stats"`
	Focused     bool                 `json:"focused"`
	ActiveLoops int                  `json:"activeLoops"`
}

func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		Target:     s.target,
		Running:    s.running,
		Mode:       s.mode,
		Generation: s.gen.Load(),
		Tabs:       slices.Clone(s.tabs),
		TabStatus:  make(map[string]TabStatus, len(s.tabStatus)),
	}
	for k, v := range s.tabStatus {
		st.TabStatus[k] = v
	}
	s.mu.Unlock()
	st.Stats = s.stats.snapshot()
	st.Focused = s.present.Load()
	st.ActiveLoops = s.ActiveLoops()
	return st
}
