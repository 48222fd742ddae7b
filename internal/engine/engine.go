// Package engine connects discovery, injection and the per-target scan
// sessions, and is the single surface the HTTP API drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pinchtab/autoaccept/internal/audit"
	"github.com/pinchtab/autoaccept/internal/bridge"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/dom"
	"github.com/pinchtab/autoaccept/internal/metrics"
	"github.com/pinchtab/autoaccept/internal/session"
	"golang.org/x/sync/errgroup"
)

const (
	setupTimeout  = 10 * time.Second
	stopTimeout   = time.Second
	reinjectTries = 3
	reinjectDelay = 250 * time.Millisecond
)

type Options struct {
	Scanner           bridge.Scanner
	Dialer            bridge.Dialer
	DiscoveryInterval time.Duration
	Session           session.Config
	Automation        config.Automation
	Audit             *audit.Store
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

type attached struct {
	target    *bridge.Target
	helper    *bridge.Helper
	sess      *session.Session
	unlisten  func()
	resetting atomic.Bool
}

type Engine struct {
	mgr     *bridge.Manager
	inj     *bridge.Injector
	holds   *bridge.Holds
	audit   *audit.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	base    session.Config

	mu       sync.Mutex
	ctx      context.Context
	auto     config.Automation
	running  bool
	runID    string
	focused  bool
	sessions map[string]*attached
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	auto := opts.Automation.Normalize()
	e := &Engine{
		inj:      bridge.NewInjector(auto.Payload()),
		holds:    bridge.NewHolds(),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		base:     opts.Session,
		ctx:      context.Background(),
		auto:     auto,
		focused:  true,
		sessions: make(map[string]*attached),
	}
	e.mgr = bridge.NewManager(opts.Scanner, opts.Dialer, opts.DiscoveryInterval)
	e.mgr.OnAttach = e.attach
	e.mgr.OnDetach = e.detach
	return e
}

// Run drives discovery until ctx is done. Sessions started afterwards run
// under ctx.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	e.mgr.Run(ctx)
}

// Sync runs one discovery pass outside the periodic schedule.
func (e *Engine) Sync(ctx context.Context) (int, error) { return e.mgr.Sync(ctx) }

func (e *Engine) sessionConfig() session.Config {
	cfg := e.base
	cfg.Mode = session.ModeStatic
	if e.auto.Rotation() {
		cfg.Mode = session.ModeRotation
	}
	return cfg
}

func (e *Engine) attach(t *bridge.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := e.inj.Setup(ctx, t); err != nil {
		e.log.Warn("injection failed, dropping target", "target", t.ID, "err", err)
		t.Close()
		return
	}

	e.mu.Lock()
	banned := e.auto.BannedCommands
	e.mu.Unlock()

	helper := bridge.NewHelper(t.Executor())
	a := &attached{
		target: t,
		helper: helper,
		sess: session.New(t.ID, helper, session.Options{
			Classify: classify.Options{Banned: banned},
			Reporter: e,
			Logger:   e.log,
			Held:     func() bool { return e.holds.Held(t.ID) },
		}),
	}
	a.unlisten = t.Listen(func(ev any) {
		if sig, ok := bridge.ParseSignal(ev); ok {
			a.sess.Notify(sig)
			return
		}
		if bridge.IsContextReset(ev) && a.resetting.CompareAndSwap(false, true) {
			go e.reinject(a)
		}
	})

	e.mu.Lock()
	if t.State() == bridge.StateClosed {
		e.mu.Unlock()
		a.unlisten()
		return
	}
	e.sessions[t.ID] = a
	a.sess.SetFocused(e.focused)
	if e.running {
		a.sess.Start(e.ctx, e.sessionConfig())
	}
	n := len(e.sessions)
	e.mu.Unlock()
	e.metrics.SetTargets(n)
}

// reinject restores the helper after the target's page was replaced and
// asks the session for a full rebuild.
func (e *Engine) reinject(a *attached) {
	defer a.resetting.Store(false)
	t := a.target
	e.inj.Reset(t)
	for i := 0; i < reinjectTries; i++ {
		time.Sleep(reinjectDelay)
		if t.State() == bridge.StateClosed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		err := e.inj.Setup(ctx, t)
		cancel()
		if err == nil {
			e.log.Info("helper reinstalled after navigation", "target", t.ID)
			a.sess.Notify(dom.Signal{Structural: true})
			return
		}
		e.log.Debug("reinject attempt failed", "target", t.ID, "attempt", i+1, "err", err)
	}
	e.log.Warn("helper could not be reinstalled", "target", t.ID)
}

func (e *Engine) detach(t *bridge.Target) {
	e.mu.Lock()
	a, ok := e.sessions[t.ID]
	if ok {
		delete(e.sessions, t.ID)
	}
	n := len(e.sessions)
	e.mu.Unlock()
	if !ok {
		return
	}
	a.unlisten()
	a.sess.Stop()
	e.metrics.SetTargets(n)
}

func (e *Engine) attachedList() []*attached {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*attached, 0, len(e.sessions))
	for _, a := range e.sessions {
		out = append(out, a)
	}
	return out
}

// Start begins automation on every attached target. It reports false when
// automation was already running.
func (e *Engine) Start(ctx context.Context) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	e.running = true
	e.runID = uuid.NewString()
	runID := e.runID
	e.mu.Unlock()

	var g errgroup.Group
	for _, a := range e.attachedList() {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, setupTimeout)
			defer cancel()
			if err := e.inj.Setup(sctx, a.target); err != nil {
				e.log.Warn("setup on start failed", "target", a.target.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	if e.running && e.runID == runID {
		cfg := e.sessionConfig()
		for _, a := range e.sessions {
			a.sess.Start(e.ctx, cfg)
		}
	}
	e.mu.Unlock()
	e.log.Info("automation started", "run", runID)
	return true
}

// Stop halts every session and removes the in-page observers and overlay.
func (e *Engine) Stop(ctx context.Context) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	e.running = false
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range e.attachedList() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sess.Stop()
			sctx, cancel := context.WithTimeout(ctx, stopTimeout)
			defer cancel()
			if err := a.helper.Stop(sctx); err != nil {
				e.log.Debug("in-page stop", "target", a.target.ID, "err", err)
			}
			e.inj.Reset(a.target)
		}()
	}
	wg.Wait()
	e.log.Info("automation stopped")
	return true
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetFocused records whether the user is at the UI. The host is the only
// source of this signal.
func (e *Engine) SetFocused(v bool) {
	e.mu.Lock()
	e.focused = v
	e.mu.Unlock()
	for _, a := range e.attachedList() {
		a.sess.SetFocused(v)
	}
}

func (e *Engine) Focused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

func (e *Engine) Automation() config.Automation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auto
}

// SetAutomation applies a new automation section. Targets receive it only
// when its content hash changed, and running sessions restart under a new
// generation so no pass runs with the old rules.
func (e *Engine) SetAutomation(ctx context.Context, a config.Automation) bool {
	a = a.Normalize()
	e.mu.Lock()
	if e.auto.Equal(a) {
		e.mu.Unlock()
		return false
	}
	e.auto = a
	e.mu.Unlock()

	e.inj.SetConfig(a.Payload())
	for _, at := range e.attachedList() {
		at.sess.Classifier().SetBanned(a.BannedCommands)
		cctx, cancel := context.WithTimeout(ctx, setupTimeout)
		if err := e.inj.Configure(cctx, at.target); err != nil {
			e.log.Warn("configure failed", "target", at.target.ID, "err", err)
		}
		cancel()
	}

	e.mu.Lock()
	if e.running {
		cfg := e.sessionConfig()
		for _, at := range e.sessions {
			at.sess.Start(e.ctx, cfg)
		}
	}
	e.mu.Unlock()
	e.log.Info("automation config applied", "hash", a.Hash(), "mode", a.Mode, "banned", len(a.BannedCommands))
	return true
}

func (e *Engine) Targets() []bridge.TargetInfo { return e.mgr.Infos() }

func (e *Engine) States() []session.State {
	list := e.attachedList()
	out := make([]session.State, 0, len(list))
	for _, a := range list {
		out = append(out, a.sess.State())
	}
	return out
}

// Stats sums the counters of every attached target.
func (e *Engine) Stats() session.Stats {
	total := session.Stats{ByCategory: map[string]int{}}
	for _, a := range e.attachedList() {
		total = total.Add(a.sess.Stats())
	}
	return total
}

func (e *Engine) Summary() session.Summary { return session.Summarize(e.Stats()) }

func (e *Engine) Audit(ctx context.Context, limit int) ([]audit.Entry, error) {
	return e.audit.Recent(ctx, limit)
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Shutdown stops automation and closes every target.
func (e *Engine) Shutdown(ctx context.Context) {
	e.Stop(ctx)
	e.mgr.Shutdown(ctx, e.inj)
}

func (e *Engine) currentRun() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func (e *Engine) record(entry audit.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry.RunID = e.currentRun()
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.Warn("audit write failed", "err", err)
	}
}

func (e *Engine) Activated(target string, d classify.Decision, away bool) {
	e.metrics.Activated(target, d, away)
	e.record(audit.Entry{Target: target, Kind: audit.KindClick, Label: d.Label, Category: d.Category, Away: away})
}

func (e *Engine) Blocked(target string, d classify.Decision) {
	e.metrics.Blocked(target, d)
	e.record(audit.Entry{Target: target, Kind: audit.KindBlocked, Label: d.Label, Category: d.Category,
		Rule: d.Rule, Pattern: d.Pattern, Command: d.Command})
}

func (e *Engine) PassDone(target string, dur time.Duration, clicked bool) {
	e.metrics.PassDone(target, dur, clicked)
}

// Screenshot captures the target's viewport.
func (e *Engine) Screenshot(ctx context.Context, id, format string, quality int64) ([]byte, error) {
	t, err := e.mgr.Get(id)
	if err != nil {
		return nil, err
	}
	return t.CaptureScreenshot(ctx, format, quality)
}

// Prompt types text into the target's focused input and submits it. With
// humanize the text is typed rune by rune instead of inserted at once.
func (e *Engine) Prompt(ctx context.Context, id, text string, humanize bool) error {
	t, err := e.mgr.Get(id)
	if err != nil {
		return err
	}
	owner := uuid.NewString()
	if err := e.holds.TryHold(id, owner, bridge.DefaultHoldTTL); err != nil {
		return err
	}
	defer func() { _ = e.holds.Release(id, owner) }()
	if humanize {
		return t.TypeAndSubmit(ctx, text)
	}
	return t.InsertAndSubmit(ctx, text)
}

// attachedTarget returns the live session for id.
func (e *Engine) attachedTarget(id string) (*attached, error) {
	if _, err := e.mgr.Get(id); err != nil {
		return nil, err
	}
	e.mu.Lock()
	a, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no session", bridge.ErrNoTarget, id)
	}
	return a, nil
}

// hold takes the target for one on-demand operation so its scan loop skips
// passes meanwhile, and makes sure the page helper is installed and
// configured. The returned func releases the hold.
func (e *Engine) hold(ctx context.Context, id string) (*attached, func(), error) {
	a, err := e.attachedTarget(id)
	if err != nil {
		return nil, nil, err
	}
	owner := uuid.NewString()
	if err := e.holds.TryHold(id, owner, bridge.DefaultHoldTTL); err != nil {
		return nil, nil, err
	}
	release := func() { _ = e.holds.Release(id, owner) }
	if err := e.inj.Setup(ctx, a.target); err != nil {
		release()
		return nil, nil, err
	}
	return a, release, nil
}

// StopGeneration activates the target's stop control. It reports false
// when no stop control is shown.
func (e *Engine) StopGeneration(ctx context.Context, id string) (bool, error) {
	a, release, err := e.hold(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()
	ok, err := a.sess.StopGeneration(ctx)
	if ok {
		e.record(audit.Entry{Target: id, Kind: audit.KindStop, Label: "stop generation"})
	}
	return ok, err
}

// AcceptNow runs one classified pass on the target immediately. Banned
// commands and focused editables block it exactly as they block the loop.
// A helper that lost its configuration is configured again and the pass
// retried once.
func (e *Engine) AcceptNow(ctx context.Context, id string) (classify.Decision, bool, error) {
	a, release, err := e.hold(ctx, id)
	if err != nil {
		return classify.Decision{}, false, err
	}
	defer release()

	e.mu.Lock()
	cfg := e.sessionConfig()
	e.mu.Unlock()

	d, ok, err := a.sess.AcceptNow(ctx, cfg)
	if errors.Is(err, dispatch.ErrUnconfigured) {
		e.log.Info("helper lost its configuration, resending", "target", id)
		e.inj.Reset(a.target)
		if err := e.inj.Setup(ctx, a.target); err != nil {
			return classify.Decision{}, false, err
		}
		d, ok, err = a.sess.AcceptNow(ctx, cfg)
	}
	return d, ok, err
}
