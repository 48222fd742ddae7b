// Package classify decides whether a candidate control is a task-accept
// affordance that may be activated. Decisions come from an ordered rule
// list; the first rule that rejects wins and an element no rule rejects is
// accepted.
package classify

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/dom"
)

type Verdict int

const (
	Reject Verdict = iota
	Accept
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "reject"
}

type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Rule     string  `json:"rule,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Label    string  `json:"label"`
	Category string  `json:"category,omitempty"`
	Pattern  string  `json:"pattern,omitempty"`
	Command  string  `json:"command,omitempty"`
	// Fresh is false when the decision came from the memo cache.
	Fresh bool `json:"-"`
}

func (d Decision) Accepted() bool { return d.Verdict == Accept }

// Blocked reports a safety-gate veto.
func (d Decision) Blocked() bool { return d.Verdict == Reject && d.Rule == RuleSafety }

// Metrics are the rendered-geometry facts the visibility rule needs.
type Metrics struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Opacity    float64 `json:"opacity"`
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
	InViewport bool    `json:"inViewport"`
	HiddenUp   bool    `json:"hiddenAncestor"`
}

type MetricsProber interface {
	Metrics(ctx context.Context, id cdp.BackendNodeID) (Metrics, error)
}

// ValueReader reads the live value of an input or textarea, which the
// document snapshot does not carry.
type ValueReader interface {
	Value(ctx context.Context, id cdp.BackendNodeID) (string, error)
}

// CooldownChecker reports whether an element was activated recently with
// the same label.
type CooldownChecker interface {
	Cooling(id cdp.BackendNodeID, label string, now time.Time) bool
}

type Options struct {
	MaxLabel int
	CacheTTL time.Duration
	Banned   []string
}

const DefaultMaxLabel = 40

type Classifier struct {
	Rules    []Rule
	Cache    *Cache
	Cooldown CooldownChecker
	Metrics  MetricsProber
	Values   ValueReader
	MaxLabel int
	Now      func() time.Time

	mu     sync.RWMutex
	banned Patterns
}

func New(opts Options, cooldown CooldownChecker, metrics MetricsProber) *Classifier {
	if opts.MaxLabel <= 0 {
		opts.MaxLabel = DefaultMaxLabel
	}
	return &Classifier{
		Rules:    DefaultRules(),
		Cache:    NewCache(opts.CacheTTL),
		Cooldown: cooldown,
		Metrics:  metrics,
		MaxLabel: opts.MaxLabel,
		Now:      time.Now,
		banned:   ParsePatterns(opts.Banned),
	}
}

// SetBanned replaces the banned-command patterns and drops memoized
// decisions made under the old list.
func (c *Classifier) SetBanned(raw []string) {
	c.mu.Lock()
	c.banned = ParsePatterns(raw)
	c.mu.Unlock()
	c.Cache.Clear()
}

func (c *Classifier) Banned() Patterns {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.banned
}

// Classify decides one element. Repeated calls inside the cache TTL return
// the memoized decision without touching the target.
func (c *Classifier) Classify(ctx context.Context, snap *dom.Snapshot, n *dom.Node) Decision {
	now := c.Now()
	if d, ok := c.Cache.Get(n.ID, now); ok {
		d.Fresh = false
		return d
	}

	in := &Input{
		Ctx:   ctx,
		Snap:  snap,
		Node:  n,
		Label: n.Label(),
		Now:   now,
		c:     c,
	}
	in.tokens = tokenize(in.Label)
	in.runControl = isRunControl(in.Label, in.tokens)

	d := Decision{Verdict: Accept, Label: in.Label, Fresh: true}
	for _, r := range c.Rules {
		if reason, reject := r.Check(in); reject {
			d.Verdict = Reject
			d.Rule = r.Name
			d.Reason = reason
			break
		}
	}
	d.Category = in.Category
	d.Pattern = in.Pattern
	d.Command = in.Command

	c.Cache.Put(n.ID, n.RootKey, d, now)
	return d
}
