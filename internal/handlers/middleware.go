package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/metrics"
	"github.com/pinchtab/autoaccept/internal/web"
	"golang.org/x/time/rate"
)

// LoggingMiddleware logs each request and records it in m when m is set.
func LoggingMiddleware(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &web.StatusWriter{ResponseWriter: w, Code: 200}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		if m != nil {
			m.ObserveRequest(r.Method, sw.Code, elapsed)
		}
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "request",
			"requestId", w.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Code,
			"ms", elapsed.Milliseconds(),
		)
	})
}

func AuthMiddleware(cfg *config.RuntimeConfig, next http.Handler) http.Handler {
	want := []byte("Bearer " + cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="autoaccept", error="missing_token"`)
			web.ErrorCode(w, 401, "missing_token", "unauthorized", false, nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="autoaccept", error="bad_token"`)
			web.ErrorCode(w, 401, "bad_token", "unauthorized", false, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

const (
	rateWindow = 10 * time.Second
	rateBurst  = 120
	clientIdle = 5 * time.Minute
)

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter hands out one token bucket per client address: rateBurst
// requests, refilled over rateWindow.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	every   rate.Limit
	burst   int
	metrics *metrics.Metrics
}

func NewLimiter(m *metrics.Metrics) *Limiter {
	return &Limiter{
		clients: make(map[string]*client),
		every:   rate.Every(rateWindow / rateBurst),
		burst:   rateBurst,
		metrics: m,
	}
}

func (l *Limiter) allow(host string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h, c := range l.clients {
		if now.Sub(c.seen) > clientIdle {
			delete(l.clients, h)
		}
	}
	c, ok := l.clients[host]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.every, l.burst)}
		l.clients[host] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// Middleware rejects clients over their budget. Health and metrics
// scrapes are exempt.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host == "" {
			host = r.RemoteAddr
		}
		if !l.allow(host, time.Now()) {
			if l.metrics != nil {
				l.metrics.RateLimited()
			}
			web.ErrorCode(w, 429, "rate_limited", "too many requests", true,
				map[string]any{"windowSec": int(rateWindow.Seconds()), "max": l.burst})
			return
		}
		next.ServeHTTP(w, r)
	})
}
