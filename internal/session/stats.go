package session

import (
	"maps"
	"sync"
)

// Time-saved heuristic. Telemetry only: it is not measured.
const (
	SecondsPerClick = 5.0
	JitterBand      = 0.2
)

type Stats struct {
	Clicks      int            `json:"clicks"`
	Blocked     int            `json:"blocked"`
	ByCategory  map[string]int `json:"byCategory"`
	AwayActions int            `json:"awayActions"`
}

func (s Stats) Add(o Stats) Stats {
	out := Stats{
		Clicks:      s.Clicks + o.Clicks,
		Blocked:     s.Blocked + o.Blocked,
		AwayActions: s.AwayActions + o.AwayActions,
		ByCategory:  make(map[string]int, len(s.ByCategory)+len(o.ByCategory)),
	}
	for k, v := range s.ByCategory {
		out.ByCategory[k] += v
	}
	for k, v := range o.ByCategory {
		out.ByCategory[k] += v
	}
	return out
}

type Summary struct {
	Stats
	TimeSavedSeconds float64 `json:"timeSavedSeconds"`
	TimeSavedLow     float64 `json:"timeSavedLow"`
	TimeSavedHigh    float64 `json:"timeSavedHigh"`
}

func Summarize(s Stats) Summary {
	saved := float64(s.Clicks) * SecondsPerClick
	return Summary{
		Stats:            s,
		TimeSavedSeconds: saved,
		TimeSavedLow:     saved * (1 - JitterBand),
		TimeSavedHigh:    saved * (1 + JitterBand),
	}
}

type counters struct {
	mu sync.Mutex
	s  Stats
}

func (c *counters) click(category string, away bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Clicks++
	if c.s.ByCategory == nil {
		c.s.ByCategory = make(map[string]int)
	}
	c.s.ByCategory[category]++
	if away {
		c.s.AwayActions++
	}
}

func (c *counters) blocked() {
	c.mu.Lock()
	c.s.Blocked++
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.ByCategory = maps.Clone(c.s.ByCategory)
	if out.ByCategory == nil {
		out.ByCategory = map[string]int{}
	}
	return out
}
