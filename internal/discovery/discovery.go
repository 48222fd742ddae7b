// Package discovery finds remote-debuggable pages by probing the
// /json/list endpoint on a fixed set of local ports.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pinchtab/autoaccept/internal/idutil"
	"golang.org/x/sync/errgroup"
)

// DefaultPorts are the ports editors and browsers commonly expose their
// debugger on.
var DefaultPorts = []int{9000, 9001, 9002, 9003, 9004, 9005, 9222, 9223, 9224, 9225, 13337, 60345}

const DefaultProbeTimeout = 400 * time.Millisecond

// Descriptor is one debuggable page as reported by a /json/list endpoint.
type Descriptor struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	PageID       string `json:"pageId"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

type listEntry struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var acceptedTypes = map[string]bool{"page": true, "webview": true, "iframe": true}

type Prober struct {
	Host   string
	Ports  []int
	Client *http.Client
	// Limit bounds concurrent probes.
	Limit int
}

func NewProber(host string, ports []int, timeout time.Duration) *Prober {
	if host == "" {
		host = "127.0.0.1"
	}
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		Host:   host,
		Ports:  ports,
		Client: &http.Client{Timeout: timeout},
		Limit:  8,
	}
}

// Probe lists the accepted pages on one port.
func (p *Prober) Probe(ctx context.Context, port int) ([]Descriptor, error) {
	url := "http://" + p.Host + ":" + strconv.Itoa(port) + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("port %d: HTTP %d", port, resp.StatusCode)
	}

	var entries []listEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("port %d: decode list: %w", port, err)
	}

	var out []Descriptor
	for _, e := range entries {
		if !acceptedTypes[e.Type] || e.WebSocketDebuggerURL == "" {
			continue
		}
		out = append(out, Descriptor{
			ID:           idutil.TargetID(port, e.ID),
			Port:         port,
			PageID:       e.ID,
			Type:         e.Type,
			Title:        e.Title,
			URL:          e.URL,
			WebSocketURL: e.WebSocketDebuggerURL,
		})
	}
	return out, nil
}

// Scan probes every configured port concurrently. Ports that refuse, time
// out or answer garbage contribute nothing; Scan itself only fails when ctx
// is done.
func (p *Prober) Scan(ctx context.Context) ([]Descriptor, error) {
	g, gctx := errgroup.WithContext(ctx)
	if p.Limit > 0 {
		g.SetLimit(p.Limit)
	}

	var (
		mu  sync.Mutex
		all []Descriptor
	)
	for _, port := range p.Ports {
		g.Go(func() error {
			found, err := p.Probe(gctx, port)
			if err != nil {
				slog.Debug("probe", "port", port, "err", err)
				return nil
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Port != all[j].Port {
			return all[i].Port < all[j].Port
		}
		return all[i].PageID < all[j].PageID
	})
	return all, nil
}

// Reachable reports whether any configured port answers a listing request.
func (p *Prober) Reachable(ctx context.Context) bool {
	for _, port := range p.Ports {
		if _, err := p.Probe(ctx, port); err == nil {
			return true
		}
	}
	return false
}
