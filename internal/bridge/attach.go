package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/pinchtab/autoaccept/internal/devtools"
	"github.com/pinchtab/autoaccept/internal/discovery"
	"github.com/pinchtab/autoaccept/internal/idutil"
)

// ConnectBrowser attaches to a running browser's debugger URL. Pages are
// then enumerated with BrowserScanner and attached with BrowserDialer.
func ConnectBrowser(ctx context.Context, cdpURL string) (context.Context, context.CancelFunc, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cdpURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	if err := runWithin(browserCtx, devtools.DefaultDialTimeout*5, cancel); err != nil {
		return nil, nil, fmt.Errorf("connect browser %s: %w", cdpURL, err)
	}
	slog.Info("browser attached", "cdp", cdpURL)
	return browserCtx, cancel, nil
}

func runWithin(ctx context.Context, d time.Duration, cancel func()) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			cancel()
		}
		return err
	case <-time.After(d):
		cancel()
		return devtools.ErrTimeout
	}
}

// BrowserScanner lists a browser's pages through the browser target.
type BrowserScanner struct {
	BrowserCtx context.Context
	// Port keys target ids the same way port probing does.
	Port int
}

func (b *BrowserScanner) Scan(ctx context.Context) ([]discovery.Descriptor, error) {
	infos, err := chromedp.Targets(b.BrowserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var out []discovery.Descriptor
	for _, info := range infos {
		switch info.Type {
		case "page", "webview", "iframe":
		default:
			continue
		}
		id := string(info.TargetID)
		out = append(out, discovery.Descriptor{
			ID:     idutil.TargetID(b.Port, id),
			Port:   b.Port,
			PageID: id,
			Type:   info.Type,
			Title:  info.Title,
			URL:    info.URL,
		})
	}
	return out, ctx.Err()
}

// BrowserDialer attaches to a page through chromedp.
func BrowserDialer(browserCtx context.Context) Dialer {
	return func(_ context.Context, d discovery.Descriptor) (Conn, error) {
		tctx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(target.ID(d.PageID)))
		if err := runWithin(tctx, devtools.DefaultDialTimeout, cancel); err != nil {
			return nil, fmt.Errorf("attach %s: %w", d.PageID, err)
		}
		return &chromedpConn{ctx: tctx, cancel: cancel}, nil
	}
}

type chromedpConn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *chromedpConn) Execute(ctx context.Context, method string, params, res any) error {
	cc := chromedp.FromContext(c.ctx)
	if cc == nil || cc.Target == nil {
		return ErrNoTarget
	}
	return cc.Target.Execute(ctx, method, params, res)
}

// Listen forwards target events until the returned cancel is called.
func (c *chromedpConn) Listen(fn func(ev any)) func() {
	var off atomic.Bool
	chromedp.ListenTarget(c.ctx, func(ev any) {
		if !off.Load() {
			fn(ev)
		}
	})
	return func() { off.Store(true) }
}

func (c *chromedpConn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *chromedpConn) Close() error {
	c.cancel()
	return nil
}
