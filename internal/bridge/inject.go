package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pinchtab/autoaccept/internal/idutil"
)

const stopTimeout = time.Second

// Injector installs the helper once per target and pushes configuration
// only when its content hash differs from what the target last received.
type Injector struct {
	mu      sync.RWMutex
	payload []byte
	hash    string
}

func NewInjector(payload []byte) *Injector {
	in := &Injector{}
	in.SetConfig(payload)
	return in
}

// SetConfig replaces the configuration payload and reports whether its
// content changed.
func (in *Injector) SetConfig(payload []byte) bool {
	h := idutil.ConfigHash(payload)
	in.mu.Lock()
	defer in.mu.Unlock()
	if h == in.hash {
		return false
	}
	in.payload = append([]byte(nil), payload...)
	in.hash = h
	return true
}

func (in *Injector) Hash() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.hash
}

// Setup installs the helper if the target has not got it and sends the
// current configuration.
func (in *Injector) Setup(ctx context.Context, t *Target) error {
	h := NewHelper(t.conn)
	if !t.Injected() {
		present, err := h.Installed(ctx)
		if err != nil {
			return fmt.Errorf("probe helper on %s: %w", t.ID, err)
		}
		if !present {
			if _, err := h.Install(ctx); err != nil {
				return fmt.Errorf("%s: %w", t.ID, err)
			}
		}
		if err := h.EnableSignals(ctx); err != nil {
			return fmt.Errorf("%s: %w", t.ID, err)
		}
		t.setInjected(true)
		slog.Info("helper installed", "target", t.ID, "reused", present)
	}
	return in.Configure(ctx, t)
}

// Configure sends the current payload unless the target already has it.
func (in *Injector) Configure(ctx context.Context, t *Target) error {
	in.mu.RLock()
	payload, hash := in.payload, in.hash
	in.mu.RUnlock()

	if t.LastConfigHash() == hash {
		return nil
	}
	if err := NewHelper(t.conn).Configure(ctx, payload); err != nil {
		return fmt.Errorf("configure %s: %w", t.ID, err)
	}
	t.mu.Lock()
	t.lastConfigHash = hash
	t.mu.Unlock()
	slog.Debug("config sent", "target", t.ID, "hash", hash)
	return nil
}

// Reset forgets installation state after the target's page was replaced.
func (in *Injector) Reset(t *Target) {
	t.setInjected(false)
}

// StopAll tells every target's helper to stop, ignoring failures from
// targets that are already going away, then closes their transports.
func (in *Injector) StopAll(ctx context.Context, targets []*Target) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, stopTimeout)
			defer cancel()
			if err := NewHelper(t.conn).Stop(sctx); err != nil {
				slog.Debug("stop signal", "target", t.ID, "err", err)
			}
			t.Close()
		}()
	}
	wg.Wait()
}
