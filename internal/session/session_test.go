package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/dom"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var nextID cdp.BackendNodeID = 1

func el(name string, attrs []string, children ...*cdp.Node) *cdp.Node {
	nextID++
	return &cdp.Node{BackendNodeID: nextID, NodeType: cdp.NodeTypeElement, NodeName: strings.ToUpper(name), LocalName: name, Attributes: attrs, Children: children}
}

func text(s string) *cdp.Node {
	nextID++
	return &cdp.Node{BackendNodeID: nextID, NodeType: cdp.NodeTypeText, NodeName: "#text", NodeValue: s}
}

func document(body ...*cdp.Node) *cdp.Node {
	nextID++
	return &cdp.Node{BackendNodeID: nextID, NodeType: cdp.NodeTypeDocument, NodeName: "#document",
		Children: []*cdp.Node{el("html", nil, el("body", nil, body...))}}
}

type fakePage struct {
	mu        sync.Mutex
	doc       *cdp.Node
	typing    bool
	activated []cdp.BackendNodeID
	refused   int
	status    []any
	fetches   int
	observed  int
	values    map[cdp.BackendNodeID]string

	// focusDuringPass moves focus into an editable once the pass has
	// checked it, as a user clicking into an input mid-pass would.
	focusDuringPass bool
}

func (p *fakePage) Metrics(context.Context, cdp.BackendNodeID) (classify.Metrics, error) {
	return classify.Metrics{Width: 60, Height: 22, Opacity: 1, Display: "block", Visibility: "visible", InViewport: true}, nil
}

func (p *fakePage) Value(_ context.Context, id cdp.BackendNodeID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[id]
	if !ok {
		return "", errors.New("not an input")
	}
	return v, nil
}

// Activate refuses while an editable holds focus, as the page helper does.
func (p *fakePage) Activate(_ context.Context, id cdp.BackendNodeID, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typing {
		p.refused++
		return dispatch.ErrTyping
	}
	p.activated = append(p.activated, id)
	return nil
}

func (p *fakePage) Snapshot(context.Context) (*dom.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	return dom.Build(p.doc, time.Now()), nil
}

func (p *fakePage) RefreshRoot(_ context.Context, snap *dom.Snapshot, _ cdp.BackendNodeID) (*dom.Snapshot, bool, error) {
	return snap, true, nil
}

func (p *fakePage) Focused(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focusDuringPass {
		p.typing = true
		return false, nil
	}
	return p.typing, nil
}

func (p *fakePage) Observe(context.Context, []cdp.BackendNodeID) error {
	p.mu.Lock()
	p.observed++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Status(_ context.Context, summary any) error {
	p.mu.Lock()
	p.status = append(p.status, summary)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Release(context.Context) error { return nil }

func (p *fakePage) clicks() []cdp.BackendNodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cdp.BackendNodeID(nil), p.activated...)
}

type recorder struct {
	mu        sync.Mutex
	activated []classify.Decision
	blocked   []classify.Decision
	passes    int
}

func (r *recorder) Activated(_ string, d classify.Decision, _ bool) {
	r.mu.Lock()
	r.activated = append(r.activated, d)
	r.mu.Unlock()
}

func (r *recorder) Blocked(_ string, d classify.Decision) {
	r.mu.Lock()
	r.blocked = append(r.blocked, d)
	r.mu.Unlock()
}

func (r *recorder) PassDone(string, time.Duration, bool) {
	r.mu.Lock()
	r.passes++
	r.mu.Unlock()
}

func (r *recorder) passCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

var fast = Config{Interval: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunButtonActivatedOnce(t *testing.T) {
	run := el("button", nil, text("Run Alt+Enter"))
	page := &fakePage{doc: document(
		el("pre", nil, el("code", nil, text("ls -la"))),
		run,
	)}
	rec := &recorder{}
	s := New("tgt_1", page, Options{Reporter: rec})

	s.Start(context.Background(), fast)
	waitFor(t, "activation", func() bool { return len(page.clicks()) > 0 })
	passes := rec.passCount()
	waitFor(t, "more passes", func() bool { return rec.passCount() > passes+3 })
	s.Stop()

	clicks := page.clicks()
	if len(clicks) != 1 || clicks[0] != run.BackendNodeID {
		t.Fatalf("activations = %v, want exactly [%d]", clicks, run.BackendNodeID)
	}
	st := s.Stats()
	if st.Clicks != 1 || st.ByCategory["run"] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.AwayActions != 0 {
		t.Errorf("awayActions = %d, want 0", st.AwayActions)
	}
}

func TestNoActivationWhileTyping(t *testing.T) {
	page := &fakePage{doc: document(el("button", nil, text("Accept"))), typing: true}
	rec := &recorder{}
	s := New("tgt_1", page, Options{Reporter: rec})

	s.Start(context.Background(), fast)
	waitFor(t, "passes", func() bool { return rec.passCount() > 5 })
	s.Stop()

	if n := len(page.clicks()); n != 0 {
		t.Fatalf("activated %d times while an input held focus", n)
	}
}

func TestHeldTargetSkipsUntilReleased(t *testing.T) {
	page := &fakePage{doc: document(el("button", nil, text("Accept")))}
	rec := &recorder{}
	var held atomic.Bool
	held.Store(true)
	s := New("tgt_1", page, Options{Reporter: rec, Held: held.Load})

	s.Start(context.Background(), fast)
	waitFor(t, "passes", func() bool { return rec.passCount() > 5 })
	if n := len(page.clicks()); n != 0 {
		t.Fatalf("activated %d times while held", n)
	}
	held.Store(false)
	waitFor(t, "activation after release", func() bool { return len(page.clicks()) > 0 })
	s.Stop()
}

func TestAwayActionsTallied(t *testing.T) {
	page := &fakePage{doc: document(el("button", nil, text("Accept")))}
	s := New("tgt_1", page, Options{})
	s.SetFocused(false)

	s.Start(context.Background(), fast)
	waitFor(t, "activation", func() bool { return len(page.clicks()) > 0 })
	s.Stop()

	if st := s.Stats(); st.AwayActions != 1 || st.ByCategory["accept"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBannedCommandBlockedAndCountedOnce(t *testing.T) {
	page := &fakePage{doc: document(
		el("pre", nil, el("code", nil, text("rm -rf /"))),
		el("button", nil, text("Run")),
	)}
	rec := &recorder{}
	s := New("tgt_1", page, Options{
		Reporter: rec,
		Classify: classify.Options{Banned: []string{"rm -rf /"}},
	})

	s.Start(context.Background(), fast)
	for i := 0; i < 3; i++ {
		passes := rec.passCount()
		waitFor(t, "passes", func() bool { return rec.passCount() > passes+2 })
		// every pass after this one classifies afresh
		s.Classifier().Cache.Clear()
	}
	s.Stop()

	if n := len(page.clicks()); n != 0 {
		t.Fatalf("banned command was activated %d times", n)
	}
	if st := s.Stats(); st.Blocked != 1 {
		t.Errorf("blocked = %d, want 1", st.Blocked)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.blocked) != 1 || rec.blocked[0].Pattern != "rm -rf /" {
		t.Errorf("blocked reports = %+v", rec.blocked)
	}
}

func TestBlockedCountedAgainForNewCommand(t *testing.T) {
	page := &fakePage{doc: document(
		el("pre", nil, text("rm -rf /")),
		el("button", nil, text("Run")),
	)}
	rec := &recorder{}
	s := New("tgt_1", page, Options{
		Reporter: rec,
		Classify: classify.Options{Banned: []string{"rm -rf"}},
	})
	s.Start(context.Background(), fast)
	waitFor(t, "first veto", func() bool { return s.Stats().Blocked == 1 })

	page.mu.Lock()
	page.doc = document(
		el("pre", nil, text("rm -rf ~")),
		el("button", nil, text("Run")),
	)
	page.mu.Unlock()
	s.Notify(dom.Signal{Root: 1, Structural: true})

	waitFor(t, "second veto", func() bool { return s.Stats().Blocked == 2 })
	s.Stop()
	if n := s.vetoes.len(); n != 1 {
		t.Errorf("veto log holds %d entries after rebuild, want 1", n)
	}
}

func TestFocusTakenMidPassSkipsActivation(t *testing.T) {
	page := &fakePage{doc: document(el("button", nil, text("Accept"))), focusDuringPass: true}
	rec := &recorder{}
	s := New("tgt_1", page, Options{Reporter: rec})

	s.Start(context.Background(), fast)
	waitFor(t, "refused activations", func() bool {
		page.mu.Lock()
		defer page.mu.Unlock()
		return page.refused > 3
	})
	s.Stop()

	if n := len(page.clicks()); n != 0 {
		t.Fatalf("activated %d times with focus in an editable", n)
	}
	if st := s.Stats(); st.Clicks != 0 {
		t.Errorf("refused activations counted: %+v", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.activated) != 0 {
		t.Errorf("refused activations reported: %+v", rec.activated)
	}
}

func TestAcceptNow(t *testing.T) {
	run := el("button", nil, text("Run"))
	page := &fakePage{doc: document(el("pre", nil, text("make test")), run)}
	rec := &recorder{}
	s := New("tgt_1", page, Options{Reporter: rec})

	d, ok, err := s.AcceptNow(context.Background(), Config{})
	if err != nil || !ok {
		t.Fatalf("AcceptNow = %v, %v", ok, err)
	}
	if d.Label != "Run" || d.Command != "make test" {
		t.Errorf("decision = %+v", d)
	}
	if clicks := page.clicks(); len(clicks) != 1 || clicks[0] != run.BackendNodeID {
		t.Errorf("activations = %v", clicks)
	}
	if st := s.Stats(); st.Clicks != 1 {
		t.Errorf("stats = %+v", st)
	}

	// the same control is cooling down
	if _, ok, err := s.AcceptNow(context.Background(), Config{}); ok || err != nil {
		t.Errorf("second AcceptNow = %v, %v", ok, err)
	}
	page.mu.Lock()
	observed := page.observed
	page.mu.Unlock()
	if observed != 0 {
		t.Errorf("on-demand pass installed observers %d times", observed)
	}
}

func TestAcceptNowIsGated(t *testing.T) {
	page := &fakePage{doc: document(el("pre", nil, text("rm -rf /")), el("button", nil, text("Run")))}
	s := New("tgt_1", page, Options{Classify: classify.Options{Banned: []string{"rm -rf"}}})
	if _, ok, err := s.AcceptNow(context.Background(), Config{}); ok || err != nil {
		t.Fatalf("banned AcceptNow = %v, %v", ok, err)
	}
	if s.Stats().Blocked != 1 || len(page.clicks()) != 0 {
		t.Errorf("stats = %+v clicks = %v", s.Stats(), page.clicks())
	}

	page = &fakePage{doc: document(el("button", nil, text("Accept"))), typing: true}
	s = New("tgt_1", page, Options{})
	if _, _, err := s.AcceptNow(context.Background(), Config{}); !errors.Is(err, dispatch.ErrTyping) {
		t.Errorf("err = %v, want ErrTyping", err)
	}
}

func TestSafetyGateUsesLiveInputValue(t *testing.T) {
	input := el("input", []string{"value", "echo ok"})
	page := &fakePage{doc: document(el("div", nil, el("div", nil, input), el("span", nil, el("button", nil, text("Execute")))))}
	page.values = map[cdp.BackendNodeID]string{input.BackendNodeID: "rm -rf /"}
	s := New("tgt_1", page, Options{Classify: classify.Options{Banned: []string{"rm -rf"}}})

	if _, ok, err := s.AcceptNow(context.Background(), Config{}); ok || err != nil {
		t.Fatalf("AcceptNow = %v, %v", ok, err)
	}
	if s.Stats().Blocked != 1 {
		t.Errorf("live value not gated: %+v", s.Stats())
	}
}

func TestStopGeneration(t *testing.T) {
	icon := el("span", []string{"class", "codicon codicon-stop"})
	stop := el("a", []string{"class", "action-label", "role", "button"}, icon)
	page := &fakePage{doc: document(el("button", nil, text("Accept")), stop)}
	s := New("tgt_1", page, Options{})

	ok, err := s.StopGeneration(context.Background())
	if err != nil || !ok {
		t.Fatalf("StopGeneration = %v, %v", ok, err)
	}
	if clicks := page.clicks(); len(clicks) != 1 || clicks[0] != stop.BackendNodeID {
		t.Errorf("activations = %v, want [%d]", clicks, stop.BackendNodeID)
	}
	if s.Stats().Clicks != 0 {
		t.Error("stop must not count as an accept")
	}

	page = &fakePage{doc: document(el("button", nil, text("Stop generating")))}
	s = New("tgt_1", page, Options{})
	if ok, _ := s.StopGeneration(context.Background()); !ok {
		t.Error("labelled stop button not found")
	}

	page = &fakePage{doc: document(el("button", nil, text("Accept")), el("button", []string{"disabled", ""}, text("Stop")))}
	s = New("tgt_1", page, Options{})
	if ok, _ := s.StopGeneration(context.Background()); ok {
		t.Error("disabled stop button activated")
	}
}

func TestRestartLeavesOneLoop(t *testing.T) {
	page := &fakePage{doc: document(el("div", nil, text("idle")))}
	s := New("tgt_1", page, Options{})

	g1 := s.Start(context.Background(), fast)
	g2 := s.Start(context.Background(), fast)
	if g2 <= g1 {
		t.Fatalf("generation did not advance: %d then %d", g1, g2)
	}
	waitFor(t, "one loop", func() bool { return s.ActiveLoops() == 1 })
	if got := s.State(); !got.Running || got.Generation != g2 {
		t.Errorf("state = %+v", got)
	}

	s.Stop()
	if n := s.ActiveLoops(); n != 0 {
		t.Errorf("active loops after stop = %d", n)
	}
	if s.State().Running {
		t.Error("still running after stop")
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	s := New("tgt_1", &fakePage{doc: document()}, Options{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Notify(dom.Signal{Root: 1, Structural: true})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running loop")
	}
	if !s.overflow.Load() {
		t.Error("overflow not recorded")
	}
}

func TestSignalTriggersRebuild(t *testing.T) {
	page := &fakePage{doc: document(el("div", nil, text("idle")))}
	s := New("tgt_1", page, Options{})
	s.Start(context.Background(), Config{Interval: time.Hour, MaxBackoff: time.Hour})
	waitFor(t, "first pass", func() bool {
		page.mu.Lock()
		defer page.mu.Unlock()
		return page.fetches == 1
	})

	btn := el("button", nil, text("Accept"))
	page.mu.Lock()
	page.doc = document(btn)
	page.mu.Unlock()
	s.Notify(dom.Signal{Root: 1, Structural: true})

	waitFor(t, "activation after signal", func() bool { return len(page.clicks()) == 1 })
	s.Stop()
}

func TestRotationStatusAndTabSwitch(t *testing.T) {
	tab1 := el("div", []string{"role", "tab", "aria-selected", "true"}, text("Session A"))
	tab2 := el("div", []string{"role", "tab"}, text("Session B"))
	page := &fakePage{doc: document(el("div", []string{"role", "tablist"}, tab1, tab2))}
	s := New("tgt_1", page, Options{})

	cfg := fast
	cfg.Mode = ModeRotation
	s.Start(context.Background(), cfg)
	waitFor(t, "tab switch", func() bool { return len(page.clicks()) > 0 })
	s.Stop()

	if got := page.clicks()[0]; got != tab2.BackendNodeID {
		t.Errorf("switched to %d, want %d", got, tab2.BackendNodeID)
	}
	st := s.State()
	if st.Mode != ModeRotation || len(st.Tabs) != 2 {
		t.Fatalf("state = %+v", st)
	}
	if st.TabStatus["Session A"] != TabDone {
		t.Errorf("Session A status = %q", st.TabStatus["Session A"])
	}
	if s.Stats().Clicks != 0 {
		t.Error("tab switches must not count as activations")
	}
}

func TestNextDelay(t *testing.T) {
	cfg := Config{Interval: time.Second, MaxBackoff: 5 * time.Second}
	if d := nextDelay(time.Second, 100*time.Millisecond, cfg); d != time.Second {
		t.Errorf("fast pass: %v", d)
	}
	d := nextDelay(time.Second, 2*time.Second, cfg)
	if d != 2*time.Second {
		t.Errorf("slow pass: %v", d)
	}
	for i := 0; i < 5; i++ {
		d = nextDelay(d, 2*time.Second, cfg)
	}
	if d != 5*time.Second {
		t.Errorf("capped: %v", d)
	}
	if d = nextDelay(d, 0, cfg); d != time.Second {
		t.Errorf("recovered: %v", d)
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize(Stats{Clicks: 10})
	if sum.TimeSavedSeconds != 50 || sum.TimeSavedLow != 40 || sum.TimeSavedHigh != 60 {
		t.Errorf("summary = %+v", sum)
	}
	total := Stats{Clicks: 1, ByCategory: map[string]int{"run": 1}}.Add(Stats{Clicks: 2, Blocked: 1, ByCategory: map[string]int{"run": 1, "accept": 1}})
	if total.Clicks != 3 || total.Blocked != 1 || total.ByCategory["run"] != 2 {
		t.Errorf("add = %+v", total)
	}
}
