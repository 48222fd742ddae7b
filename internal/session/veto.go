package session

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/pinchtab/autoaccept/internal/dom"
)

type vetoKey struct {
	id      cdp.BackendNodeID
	command string
}

// vetoLog remembers which safety vetoes were already reported, so a
// banned control left on screen is counted once and not once per pass.
type vetoLog struct {
	mu   sync.Mutex
	seen map[vetoKey]bool
}

func newVetoLog() *vetoLog {
	return &vetoLog{seen: make(map[vetoKey]bool)}
}

// first records the veto and reports whether it is new.
func (v *vetoLog) first(id cdp.BackendNodeID, command string) bool {
	k := vetoKey{id, command}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen[k] {
		return false
	}
	v.seen[k] = true
	return true
}

// retain forgets vetoes for elements no longer in snap.
func (v *vetoLog) retain(snap *dom.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.seen {
		if _, ok := snap.Node(k.id); !ok {
			delete(v.seen, k)
		}
	}
}

func (v *vetoLog) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}
