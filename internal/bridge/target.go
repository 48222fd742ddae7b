package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/pinchtab/autoaccept/internal/discovery"
	"github.com/pinchtab/autoaccept/internal/human"
)

var (
	ErrNoTarget   = errors.New("no such target")
	ErrTargetHeld = errors.New("target held")
)

// Conn is a live debugging channel to one target.
type Conn interface {
	cdp.Executor
	Listen(fn func(ev any)) (cancel func())
	Done() <-chan struct{}
	Close() error
}

type State string

const (
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

type Target struct {
	ID       string
	Endpoint discovery.Descriptor

	conn Conn

	mu             sync.Mutex
	state          State
	injected       bool
	lastConfigHash string
	attachedAt     time.Time
}

func newTarget(d discovery.Descriptor, conn Conn) *Target {
	return &Target{
		ID:         d.ID,
		Endpoint:   d,
		conn:       conn,
		state:      StateConnected,
		attachedAt: time.Now(),
	}
}

func (t *Target) Executor() cdp.Executor { return t.conn }

func (t *Target) Listen(fn func(ev any)) (cancel func()) { return t.conn.Listen(fn) }

func (t *Target) Done() <-chan struct{} { return t.conn.Done() }

func (t *Target) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Target) Injected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.injected
}

func (t *Target) setInjected(v bool) {
	t.mu.Lock()
	t.injected = v
	if !v {
		t.lastConfigHash = ""
	}
	t.mu.Unlock()
}

func (t *Target) LastConfigHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConfigHash
}

// Close marks the target closed and tears down its transport.
func (t *Target) Close() {
	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	_ = t.conn.Close()
}

type TargetInfo struct {
	ID         string    `json:"id"`
	Port       int       `json:"port"`
	PageID     string    `json:"pageId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	State      State     `json:"state"`
	Injected   bool      `json:"injected"`
	ConfigHash string    `json:"configHash,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

func (t *Target) Info() TargetInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TargetInfo{
		ID:         t.ID,
		Port:       t.Endpoint.Port,
		PageID:     t.Endpoint.PageID,
		Type:       t.Endpoint.Type,
		Title:      t.Endpoint.Title,
		URL:        t.Endpoint.URL,
		State:      t.state,
		Injected:   t.injected,
		ConfigHash: t.lastConfigHash,
		AttachedAt: t.attachedAt,
	}
}

type EvalOptions struct {
	UserGesture   bool
	AwaitPromise  bool
	ReturnByValue bool
}

// DefaultEval is what the automation uses for every helper call.
var DefaultEval = EvalOptions{UserGesture: true, AwaitPromise: true, ReturnByValue: true}

// Evaluate runs expression in the target's main world and returns the
// JSON-encoded result value. A thrown exception is an error.
func Evaluate(ctx context.Context, exec cdp.Executor, expression string, opts EvalOptions) ([]byte, error) {
	obj, exc, err := runtime.Evaluate(expression).
		WithUserGesture(opts.UserGesture).
		WithAwaitPromise(opts.AwaitPromise).
		WithReturnByValue(opts.ReturnByValue).
		Do(cdp.WithExecutor(ctx, exec))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("evaluate: %s", exceptionText(exc))
	}
	if obj == nil {
		return nil, nil
	}
	return []byte(obj.Value), nil
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

func (t *Target) Evaluate(ctx context.Context, expression string, opts EvalOptions) ([]byte, error) {
	return Evaluate(ctx, t.conn, expression, opts)
}

func (t *Target) DispatchKey(ctx context.Context, k human.Key) error {
	return human.PressKey(ctx, t.conn, k)
}

func (t *Target) InsertText(ctx context.Context, text string) error {
	return human.InsertText(ctx, t.conn, text)
}

func (t *Target) InsertAndSubmit(ctx context.Context, text string) error {
	return human.InsertAndSubmit(ctx, t.conn, text, human.SettleDelay)
}

// TypeAndSubmit types text one rune at a time with human pauses before
// submitting it.
func (t *Target) TypeAndSubmit(ctx context.Context, text string) error {
	if err := human.Type(ctx, t.conn, text, true, nil); err != nil {
		return err
	}
	return human.Submit(ctx, t.conn, human.SettleDelay)
}

// CaptureScreenshot grabs the visible viewport. format is "jpeg" or "png";
// quality applies to jpeg only.
func (t *Target) CaptureScreenshot(ctx context.Context, format string, quality int64) ([]byte, error) {
	cmd := page.CaptureScreenshot()
	switch format {
	case "png":
		cmd = cmd.WithFormat(page.CaptureScreenshotFormatPng)
	default:
		if quality <= 0 || quality > 100 {
			quality = 50
		}
		cmd = cmd.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(quality)
	}
	buf, err := cmd.Do(cdp.WithExecutor(ctx, t.conn))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}
