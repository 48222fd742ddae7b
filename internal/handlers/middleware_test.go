package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/metrics"
)

var ok200 = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"no token configured", "", "/stats", "", 200},
		{"valid token", "secret123", "/stats", "Bearer secret123", 200},
		{"missing token", "secret123", "/stats", "", 401},
		{"wrong token", "secret123", "/stats", "Bearer wrong", 401},
		{"health is open", "secret123", "/health", "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := AuthMiddleware(&config.RuntimeConfig{Token: tt.token}, ok200)
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == 401 && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
		})
	}
}

func TestCorsMiddleware(t *testing.T) {
	handler := CorsMiddleware(ok200)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/config", nil))
	if w.Code != 204 {
		t.Errorf("OPTIONS expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != 200 || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("GET = %d origin %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRequestIDKeepsCallerID(t *testing.T) {
	handler := RequestIDMiddleware(ok200)

	req := httptest.NewRequest("GET", "/stats", nil)
	req.Header.Set("X-Request-Id", "abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "abc" {
		t.Errorf("request id = %q", got)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	if got := w.Header().Get("X-Request-Id"); len(got) != 36 {
		t.Errorf("generated id = %q", got)
	}
}

func TestLoggingMiddlewarePassesStatus(t *testing.T) {
	handler := LoggingMiddleware(metrics.New(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(201)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/start", nil))
	if w.Code != 201 {
		t.Errorf("expected 201, got %d", w.Code)
	}
}

func TestLimiterPerClient(t *testing.T) {
	l := NewLimiter(nil)
	now := time.Now()
	for i := 0; i < rateBurst; i++ {
		if !l.allow("10.0.0.1", now) {
			t.Fatalf("request %d rejected inside the burst", i)
		}
	}
	if l.allow("10.0.0.1", now) {
		t.Error("request over the burst allowed")
	}
	if !l.allow("10.0.0.2", now) {
		t.Error("other clients have their own budget")
	}
	if !l.allow("10.0.0.1", now.Add(rateWindow)) {
		t.Error("budget should refill over the window")
	}
}

func TestLimiterMiddleware(t *testing.T) {
	l := NewLimiter(metrics.New())
	handler := l.Middleware(ok200)
	for i := 0; i < rateBurst; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != 429 {
		t.Errorf("expected 429, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 200 {
		t.Errorf("health should be exempt, got %d", w.Code)
	}
}
