package bridge

import (
	"fmt"
	"sync"
	"time"
)

const DefaultHoldTTL = 30 * time.Second

type holdEntry struct {
	owner   string
	expires time.Time
}

// HoldInfo describes an active hold on a target.
type HoldInfo struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Holds reserves targets for an external operation such as typing a
// prompt. A held target is skipped by its session until the hold is
// released or expires.
type Holds struct {
	holds map[string]holdEntry
	mu    sync.Mutex
}

func NewHolds() *Holds {
	return &Holds{
		holds: make(map[string]holdEntry),
	}
}

func (h *Holds) TryHold(targetID, owner string, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.holds[targetID]
	if ok && time.Now().Before(e.expires) && e.owner != owner {
		return fmt.Errorf("%w: %s held by %s for another %v", ErrTargetHeld, targetID, e.owner, time.Until(e.expires).Round(time.Second))
	}

	h.holds[targetID] = holdEntry{
		owner:   owner,
		expires: time.Now().Add(ttl),
	}
	return nil
}

func (h *Holds) Release(targetID, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.holds[targetID]
	if !ok || time.Now().After(e.expires) {
		delete(h.holds, targetID)
		return nil
	}
	if e.owner != owner {
		return fmt.Errorf("cannot release %s: held by %s", targetID, e.owner)
	}
	delete(h.holds, targetID)
	return nil
}

// Get returns the active hold, nil when the target is free.
func (h *Holds) Get(targetID string) *HoldInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.holds[targetID]
	if !ok || time.Now().After(e.expires) {
		return nil
	}
	return &HoldInfo{Owner: e.owner, ExpiresAt: e.expires}
}

func (h *Holds) Held(targetID string) bool { return h.Get(targetID) != nil }
