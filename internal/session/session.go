// Package session runs the per-target scan loop: refresh roots, classify
// candidates, dispatch at most one activation per pass, and in rotation
// mode walk through the UI's session tabs.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/dom"
)

type Mode string

const (
	ModeStatic   Mode = "static"
	ModeRotation Mode = "rotation"
)

var (
	DefaultSelectors = []string{
		"button", ".monaco-button", ".bg-ide-button-background", `[role="button"]`, ".action-label", "a.button",
	}
	DefaultTabSelectors  = []string{`[role="tab"]`, ".chat-session-item"}
	DefaultBusySelectors = []string{
		`[aria-busy="true"]`, ".codicon-loading", ".codicon-modifier-spin", ".animate-spin", ".spinner",
	}
)

type Config struct {
	Mode          Mode
	Interval      time.Duration
	MaxBackoff    time.Duration
	Debounce      time.Duration
	RebuildEvery  time.Duration
	PassTimeout   time.Duration
	Selectors     []string
	TabSelectors  []string
	BusySelectors []string
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeStatic
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = 10 * time.Second
		if c.MaxBackoff < c.Interval {
			c.MaxBackoff = c.Interval
		}
	}
	if c.Debounce <= 0 {
		c.Debounce = 8 * time.Millisecond
	}
	if c.RebuildEvery <= 0 {
		c.RebuildEvery = 15 * time.Second
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 10 * time.Second
	}
	if len(c.Selectors) == 0 {
		c.Selectors = DefaultSelectors
	}
	if len(c.TabSelectors) == 0 {
		c.TabSelectors = DefaultTabSelectors
	}
	if len(c.BusySelectors) == 0 {
		c.BusySelectors = DefaultBusySelectors
	}
	return c
}

// Page is what a session needs from its target.
type Page interface {
	classify.MetricsProber
	classify.ValueReader
	dispatch.Activator
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
	RefreshRoot(ctx context.Context, snap *dom.Snapshot, key cdp.BackendNodeID) (*dom.Snapshot, bool, error)
	Focused(ctx context.Context) (bool, error)
	Observe(ctx context.Context, keys []cdp.BackendNodeID) error
	Status(ctx context.Context, summary any) error
	Release(ctx context.Context) error
}

// Reporter receives every outcome worth recording outside the session.
type Reporter interface {
	Activated(target string, d classify.Decision, away bool)
	Blocked(target string, d classify.Decision)
	PassDone(target string, dur time.Duration, clicked bool)
}

type nopReporter struct{}

func (nopReporter) Activated(string, classify.Decision, bool) {}
func (nopReporter) Blocked(string, classify.Decision)         {}
func (nopReporter) PassDone(string, time.Duration, bool)      {}

type Options struct {
	Classify classify.Options
	Cooldown time.Duration
	Reporter Reporter
	Logger   *slog.Logger
	// Held reports an external hold on the target; passes are skipped
	// while it returns true.
	Held func() bool
}

type Session struct {
	target string
	page   Page
	cls    *classify.Classifier
	disp   *dispatch.Dispatcher
	report Reporter
	held   func() bool
	vetoes *vetoLog
	log    *slog.Logger

	gen      atomic.Uint64
	present  atomic.Bool
	active   atomic.Int32
	overflow atomic.Bool
	signals  chan dom.Signal

	mu        sync.Mutex
	cancel    context.CancelFunc
	running   bool
	mode      Mode
	tabs      []string
	tabIdx    int
	tabStatus map[string]TabStatus
	wg        sync.WaitGroup

	stats counters
}

func New(target string, page Page, opts Options) *Session {
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Held == nil {
		opts.Held = func() bool { return false }
	}
	ledger := dispatch.NewLedger(opts.Cooldown)
	cls := classify.New(opts.Classify, ledger, page)
	cls.Values = page
	s := &Session{
		target:    target,
		page:      page,
		cls:       cls,
		disp:      dispatch.New(page, ledger, cls.Cache),
		report:    opts.Reporter,
		held:      opts.Held,
		vetoes:    newVetoLog(),
		log:       opts.Logger.With("target", target),
		signals:   make(chan dom.Signal, 64),
		tabStatus: make(map[string]TabStatus),
	}
	s.present.Store(true)
	return s
}

func (s *Session) Classifier() *classify.Classifier { return s.cls }

// Start launches a new loop under a new generation. A loop from an earlier
// generation notices on its next tick and exits.
func (s *Session) Start(parent context.Context, cfg Config) uint64 {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	gen := s.gen.Add(1)
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.running = true
	s.mode = cfg.Mode

	s.wg.Add(1)
	go s.loop(ctx, gen, cfg)
	s.log.Info("session started", "gen", gen, "mode", cfg.Mode)
	return gen
}

// Stop ends the live loop and waits for every loop to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen.Add(1)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	if wasRunning {
		s.log.Info("session stopped")
	}
}

// Notify queues a mutation signal for the loop. It never blocks; when the
// queue is full the next pass rebuilds every root instead.
func (s *Session) Notify(sig dom.Signal) {
	select {
	case s.signals <- sig:
	default:
		s.overflow.Store(true)
	}
}

// SetFocused records the host's view of whether the user is at the UI.
func (s *Session) SetFocused(v bool) { s.present.Store(v) }

func (s *Session) Generation() uint64 { return s.gen.Load() }

func (s *Session) ActiveLoops() int { return int(s.active.Load()) }

func (s *Session) Stats() Stats { return s.stats.snapshot() }

func (s *Session) stale(gen uint64) bool { return s.gen.Load() != gen }

func (s *Session) loop(ctx context.Context, gen uint64, cfg Config) {
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	st := newPassState(true)
	timer := time.NewTimer(0)
	defer timer.Stop()
	var debounce <-chan time.Time
	delay := cfg.Interval

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.signals:
			s.cls.Cache.InvalidateRoot(sig.Root)
			st.dirty[sig.Root] = true
			if sig.Structural {
				st.structural = true
			}
			if debounce == nil {
				debounce = time.After(cfg.Debounce)
			}
			continue
		case <-debounce:
			debounce = nil
		case <-timer.C:
		}
		if s.stale(gen) {
			return
		}

		start := time.Now()
		clicked := s.pass(ctx, gen, cfg, st)
		elapsed := time.Since(start)
		if s.stale(gen) || ctx.Err() != nil {
			return
		}
		s.report.PassDone(s.target, elapsed, clicked)

		delay = nextDelay(delay, elapsed, cfg)
		timer.Reset(delay)
	}
}

// nextDelay doubles the wait while passes overrun the interval and snaps
// back once they fit again.
func nextDelay(cur, elapsed time.Duration, cfg Config) time.Duration {
	if elapsed <= cfg.Interval {
		return cfg.Interval
	}
	next := max(cur, cfg.Interval) * 2
	return min(next, cfg.MaxBackoff)
}
