// Package devtools is a minimal Chrome DevTools Protocol client: one
// websocket per target, request/response correlation by id, per-call
// timeouts and decoded event fan-out. *Conn satisfies cdp.Executor, so every
// cdproto command can run over it.
package devtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrClosed  = errors.New("devtools: connection closed")
	ErrTimeout = errors.New("devtools: call timed out")
)

const (
	DefaultDialTimeout = 2 * time.Second
	DefaultCallTimeout = 6 * time.Second
)

type Options struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
}

type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params jsontext.Value `json:"params,omitzero"`
}

var _ cdp.Executor = (*Conn)(nil)

type Conn struct {
	conn    net.Conn
	src     io.Reader
	timeout time.Duration
	log     *slog.Logger

	wmu    sync.Mutex
	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan *cdproto.Message
	listeners map[int]func(ev any)
	nextLn    int

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a websocket to a target's debugger endpoint. The connect step
// is bounded by opts.DialTimeout even when ctx carries no deadline.
func Dial(ctx context.Context, wsURL string, opts Options) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	d := ws.Dialer{Timeout: opts.DialTimeout}
	nc, br, _, err := d.Dial(dialCtx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Conn{
		conn:      nc,
		src:       nc,
		timeout:   opts.CallTimeout,
		log:       opts.Logger,
		pending:   make(map[int64]chan *cdproto.Message),
		listeners: make(map[int]func(ev any)),
		done:      make(chan struct{}),
	}
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, nc)
	} else if br != nil {
		ws.PutReader(br)
	}

	go c.readLoop()
	return c, nil
}

// Execute sends one command and waits for its correlated response. Calls
// without a deadline get the connection's default call timeout.
func (c *Conn) Execute(ctx context.Context, method string, params, res any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", method, err)
		}
		req.Params = b
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	ch := make(chan *cdproto.Message, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, payload)
	c.wmu.Unlock()
	if err != nil {
		c.close(fmt.Errorf("write: %w", err))
		return ErrClosed
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if res != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, res); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	}
}

// Listen registers fn for every decoded event. fn runs on the read
// goroutine and must not block.
func (c *Conn) Listen(fn func(ev any)) (cancel func()) {
	c.mu.Lock()
	id := c.nextLn
	c.nextLn++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.close(ErrClosed)
	return nil
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	ctrl := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	lockedCtrl := func(h ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return ctrl(h, r)
	}
	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		OnIntermediate: lockedCtrl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.close(fmt.Errorf("read: %w", err))
			return
		}
		if hdr.OpCode.IsControl() {
			if err := lockedCtrl(hdr, rd); err != nil {
				c.close(fmt.Errorf("control: %w", err))
				return
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				c.close(fmt.Errorf("discard: %w", err))
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			c.close(fmt.Errorf("read payload: %w", err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var msg cdproto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("devtools: bad frame", "err", err)
		return
	}

	if msg.ID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
		return
	}
	if msg.Method == "" {
		return
	}

	ev, err := cdproto.UnmarshalMessage(&msg)
	if err != nil {
		c.log.Debug("devtools: undecodable event", "method", msg.Method, "err", err)
		return
	}

	c.mu.Lock()
	fns := make([]func(any), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
