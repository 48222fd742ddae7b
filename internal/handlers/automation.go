package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pinchtab/autoaccept/internal/config"
	"github.com/pinchtab/autoaccept/internal/web"
)

const maxBodySize = 1 << 20

// HandleStats returns aggregate counters plus per-target state.
//
// @Endpoint GET /stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, map[string]any{
		"running": h.Engine.Running(),
		"focused": h.Engine.Focused(),
		"stats":   h.Engine.Stats(),
		"targets": h.Engine.States(),
	})
}

// HandleSummary returns the session summary with the time-saved estimate.
//
// @Endpoint GET /summary
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, h.Engine.Summary())
}

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	started := h.Engine.Start(r.Context())
	web.JSON(w, 200, map[string]any{"running": true, "changed": started})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	stopped := h.Engine.Stop(r.Context())
	web.JSON(w, 200, map[string]any{"running": false, "changed": stopped, "summary": h.Engine.Summary()})
}

type focusRequest struct {
	Focused *bool `json:"focused"`
}

// HandleFocus records whether the user is at the automated UI.
//
// @Endpoint POST /focus
func (h *Handlers) HandleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		web.Error(w, 400, fmt.Errorf("decode: %w", err))
		return
	}
	if req.Focused == nil {
		web.Error(w, 400, fmt.Errorf("focused required"))
		return
	}
	h.Engine.SetFocused(*req.Focused)
	web.JSON(w, 200, map[string]any{"focused": *req.Focused})
}

func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	a := h.Engine.Automation()
	web.JSON(w, 200, map[string]any{
		"automation": a,
		"hash":       a.Hash(),
		"rotation":   a.Rotation(),
	})
}

// HandleSetConfig applies a new automation section and persists it to the
// config file when one is configured.
//
// @Endpoint POST /config
func (h *Handlers) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	var a config.Automation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&a); err != nil {
		web.Error(w, 400, fmt.Errorf("decode: %w", err))
		return
	}
	switch a.Mode {
	case "", config.ModeBackground, config.ModeInteractive:
	default:
		web.ErrorCode(w, 400, "bad_mode", fmt.Sprintf("mode must be %q or %q", config.ModeBackground, config.ModeInteractive), false, nil)
		return
	}
	if a.BannedCommands == nil {
		a.BannedCommands = h.Engine.Automation().BannedCommands
	}

	changed := h.Engine.SetAutomation(r.Context(), a)
	cur := h.Engine.Automation()
	if changed && h.Config != nil && h.Config.ConfigPath != "" {
		if err := config.SaveAutomation(h.Config.ConfigPath, cur); err != nil {
			slog.Warn("config not persisted", "path", h.Config.ConfigPath, "err", err)
		}
	}
	web.JSON(w, 200, map[string]any{"automation": cur, "hash": cur.Hash(), "changed": changed})
}

// HandleAudit returns the newest audit entries.
//
// @Endpoint GET /audit?limit=N
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			web.Error(w, 400, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	entries, err := h.Engine.Audit(r.Context(), limit)
	if err != nil {
		web.Error(w, 500, err)
		return
	}
	web.JSON(w, 200, map[string]any{"entries": entries})
}
