package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pinchtab/autoaccept/internal/devtools"
	"github.com/pinchtab/autoaccept/internal/discovery"
	"golang.org/x/sync/errgroup"
)

const DefaultDiscoveryInterval = 30 * time.Second

type Scanner interface {
	Scan(ctx context.Context) ([]discovery.Descriptor, error)
}

// Dialer opens a Conn for a discovered page. A failed dial leaves the page
// unregistered until the next discovery pass.
type Dialer func(ctx context.Context, d discovery.Descriptor) (Conn, error)

// WSDialer dials the page's websocket debugger URL directly.
func WSDialer(opts devtools.Options) Dialer {
	return func(ctx context.Context, d discovery.Descriptor) (Conn, error) {
		return devtools.Dial(ctx, d.WebSocketURL, opts)
	}
}

// Manager owns the live target table: periodic discovery, connection
// lifecycle and removal of targets whose transport closed.
type Manager struct {
	scanner  Scanner
	dial     Dialer
	interval time.Duration

	// OnAttach runs on its own goroutine after a target is registered.
	OnAttach func(t *Target)
	// OnDetach runs after a target left the table.
	OnDetach func(t *Target)

	mu      sync.RWMutex
	targets map[string]*Target
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(scanner Scanner, dial Dialer, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Manager{
		scanner:  scanner,
		dial:     dial,
		interval: interval,
		targets:  make(map[string]*Target),
	}
}

// Run syncs immediately and then on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if _, err := m.Sync(ctx); err != nil {
		slog.Debug("discovery", "err", err)
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.Sync(ctx); err != nil {
			slog.Debug("discovery", "err", err)
		}
	}
}

// Sync runs one discovery pass and connects every page not yet in the
// table. It returns how many targets were added.
func (m *Manager) Sync(ctx context.Context) (int, error) {
	descs, err := m.scanner.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}

	var fresh []discovery.Descriptor
	m.mu.RLock()
	for _, d := range descs {
		if _, ok := m.targets[d.ID]; !ok {
			fresh = append(fresh, d)
		}
	}
	m.mu.RUnlock()

	var (
		added int
		amu   sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, d := range fresh {
		g.Go(func() error {
			conn, err := m.dial(gctx, d)
			if err != nil {
				slog.Debug("connect failed", "target", d.ID, "port", d.Port, "err", err)
				return nil
			}
			if m.register(d, conn) {
				amu.Lock()
				added++
				amu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return added, nil
}

func (m *Manager) register(d discovery.Descriptor, conn Conn) bool {
	m.mu.Lock()
	if _, exists := m.targets[d.ID]; exists || m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	t := newTarget(d, conn)
	m.targets[d.ID] = t
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("target attached", "target", t.ID, "port", d.Port, "type", d.Type, "title", d.Title)
	go m.watch(t)
	if m.OnAttach != nil {
		go m.OnAttach(t)
	}
	return true
}

func (m *Manager) watch(t *Target) {
	defer m.wg.Done()
	<-t.Done()
	m.drop(t)
}

func (m *Manager) drop(t *Target) {
	m.mu.Lock()
	cur, ok := m.targets[t.ID]
	if ok && cur == t {
		delete(m.targets, t.ID)
	}
	m.mu.Unlock()
	t.Close()
	if ok && cur == t {
		slog.Info("target dropped", "target", t.ID)
		if m.OnDetach != nil {
			m.OnDetach(t)
		}
	}
}

func (m *Manager) Get(id string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTarget, id)
	}
	return t, nil
}

func (m *Manager) Targets() []*Target {
	m.mu.RLock()
	out := make([]*Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Infos() []TargetInfo {
	ts := m.Targets()
	out := make([]TargetInfo, len(ts))
	for i, t := range ts {
		out[i] = t.Info()
	}
	return out
}

// Shutdown stops accepting new targets, broadcasts stop through inj and
// waits for every target to leave the table.
func (m *Manager) Shutdown(ctx context.Context, inj *Injector) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	inj.StopAll(ctx, m.Targets())
	m.wg.Wait()
}
