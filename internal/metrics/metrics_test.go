package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Activated("tgt_a", classify.Decision{Category: "run"}, false)
	m.Activated("tgt_a", classify.Decision{Category: "run"}, true)
	m.Activated("tgt_b", classify.Decision{Category: "accept"}, false)
	m.Blocked("tgt_a", classify.Decision{})
	m.PassDone("tgt_a", 20*time.Millisecond, true)
	m.SetTargets(2)

	if got := testutil.ToFloat64(m.clicks.WithLabelValues("run")); got != 2 {
		t.Errorf("run clicks = %v", got)
	}
	if got := testutil.ToFloat64(m.blocked); got != 1 {
		t.Errorf("blocked = %v", got)
	}
	if got := testutil.ToFloat64(m.targets); got != 2 {
		t.Errorf("targets = %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.PassDone("tgt_a", time.Millisecond, false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"autoaccept_passes_total 1", "autoaccept_pass_duration_seconds_count 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRequestCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", 200, 3*time.Millisecond)
	m.ObserveRequest("GET", 200, time.Millisecond)
	m.ObserveRequest("POST", 401, time.Millisecond)
	m.RateLimited()

	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("GET 200 = %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "401")); got != 1 {
		t.Errorf("POST 401 = %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimited); got != 1 {
		t.Errorf("rate limited = %v", got)
	}
}
