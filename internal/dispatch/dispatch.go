// Package dispatch activates accepted controls and remembers what it
// activated so the classifier can enforce the cool-down.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/dom"
)

const DefaultCooldown = 3 * time.Second

// Refusals an Activator reports when the page declined to activate.
var (
	ErrTyping       = errors.New("editable control focused")
	ErrUnconfigured = errors.New("page helper not configured")
)

type ActivationRecord struct {
	At    time.Time `json:"at"`
	Label string    `json:"label"`
}

// Ledger keeps one ActivationRecord per element. It satisfies
// classify.CooldownChecker.
type Ledger struct {
	window  time.Duration
	mu      sync.Mutex
	records map[cdp.BackendNodeID]ActivationRecord
}

func NewLedger(window time.Duration) *Ledger {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &Ledger{window: window, records: make(map[cdp.BackendNodeID]ActivationRecord)}
}

// Cooling reports whether id was activated inside the window with the same
// label. A record whose label no longer matches is dropped.
func (l *Ledger) Cooling(id cdp.BackendNodeID, label string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return false
	}
	if now.Sub(r.At) >= l.window || r.Label != label {
		delete(l.records, id)
		return false
	}
	return true
}

func (l *Ledger) Record(id cdp.BackendNodeID, label string, at time.Time) {
	l.mu.Lock()
	l.records[id] = ActivationRecord{At: at, Label: label}
	l.mu.Unlock()
}

func (l *Ledger) Get(id cdp.BackendNodeID) (ActivationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	return r, ok
}

// Prune drops records older than the window.
func (l *Ledger) Prune(now time.Time) {
	l.mu.Lock()
	for id, r := range l.records {
		if now.Sub(r.At) >= l.window {
			delete(l.records, id)
		}
	}
	l.mu.Unlock()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Activator performs the in-page activation of one element. It returns
// ErrTyping or ErrUnconfigured when the page refuses.
type Activator interface {
	Activate(ctx context.Context, id cdp.BackendNodeID, at time.Time) error
}

type Candidate struct {
	Node     *dom.Node
	Decision classify.Decision
}

// Pick returns the first accepted candidate. Candidates repeated by
// overlapping selectors are considered once.
func Pick(cands []Candidate) (Candidate, bool) {
	seen := make(map[cdp.BackendNodeID]bool, len(cands))
	for _, c := range cands {
		if seen[c.Node.ID] {
			continue
		}
		seen[c.Node.ID] = true
		if c.Decision.Accepted() {
			return c, true
		}
	}
	return Candidate{}, false
}

type Dispatcher struct {
	Activator Activator
	Ledger    *Ledger
	Cache     *classify.Cache
	Now       func() time.Time
}

func New(act Activator, ledger *Ledger, cache *classify.Cache) *Dispatcher {
	return &Dispatcher{Activator: act, Ledger: ledger, Cache: cache, Now: time.Now}
}

// Dispatch activates at most one accepted candidate and reports which.
func (d *Dispatcher) Dispatch(ctx context.Context, cands []Candidate) (Candidate, bool, error) {
	c, ok := Pick(cands)
	if !ok {
		return Candidate{}, false, nil
	}
	now := d.Now()
	if err := d.Activator.Activate(ctx, c.Node.ID, now); err != nil {
		return c, false, fmt.Errorf("activate %q: %w", c.Decision.Label, err)
	}
	d.Ledger.Record(c.Node.ID, c.Decision.Label, now)
	if d.Cache != nil {
		d.Cache.Forget(c.Node.ID)
	}
	slog.Debug("activated", "label", c.Decision.Label, "category", c.Decision.Category, "node", c.Node.ID)
	return c, true, nil
}
