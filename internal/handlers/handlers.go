// Package handlers provides the HTTP control API for the automation engine.
package handlers

import (
	"context"
	"net/http"

	"github.com/pinchtab/autoaccept/internal/audit"
	"github.com/pinchtab/autoaccept/internal/bridge"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/session"
)

// Engine is the part of the automation engine the API drives.
type Engine interface {
	Targets() []bridge.TargetInfo
	States() []session.State
	Stats() session.Stats
	Summary() session.Summary
	Start(ctx context.Context) bool
	Stop(ctx context.Context) bool
	Running() bool
	SetFocused(v bool)
	Focused() bool
	Automation() config.Automation
	SetAutomation(ctx context.Context, a config.Automation) bool
	Audit(ctx context.Context, limit int) ([]audit.Entry, error)
	Screenshot(ctx context.Context, id, format string, quality int64) ([]byte, error)
	Prompt(ctx context.Context, id, text string, humanize bool) error
	StopGeneration(ctx context.Context, id string) (bool, error)
	AcceptNow(ctx context.Context, id string) (classify.Decision, bool, error)
}

type Handlers struct {
	Engine  Engine
	Config  *config.RuntimeConfig
	Metrics http.Handler
	// Probe reports whether any debugging port answers. Nil when targets
	// come from an attached browser instead of port probing.
	Probe func(ctx context.Context) bool
}

func New(e Engine, cfg *config.RuntimeConfig, metrics http.Handler, probe func(context.Context) bool) *Handlers {
	return &Handlers{Engine: e, Config: cfg, Metrics: metrics, Probe: probe}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /targets", h.HandleTargets)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /summary", h.HandleSummary)
	mux.HandleFunc("POST /start", h.HandleStart)
	mux.HandleFunc("POST /stop", h.HandleStop)
	mux.HandleFunc("POST /focus", h.HandleFocus)
	mux.HandleFunc("GET /config", h.HandleGetConfig)
	mux.HandleFunc("POST /config", h.HandleSetConfig)
	mux.HandleFunc("GET /targets/{id}/screenshot", h.HandleTargetScreenshot)
	mux.HandleFunc("POST /targets/{id}/prompt", h.HandleTargetPrompt)
	mux.HandleFunc("POST /targets/{id}/stop-generation", h.HandleTargetStopGeneration)
	mux.HandleFunc("POST /targets/{id}/accept", h.HandleTargetAccept)
	mux.HandleFunc("GET /audit", h.HandleAudit)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.HandleShutdown(doShutdown))
	}
}
