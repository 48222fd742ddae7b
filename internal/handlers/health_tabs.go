package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pinchtab/autoaccept/internal/bridge"
	"github.com/pinchtab/autoaccept/internal/web"
)

const probeTimeout = time.Second

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		web.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "reason": "engine not initialized"})
		return
	}
	resp := map[string]any{
		"status":  "ok",
		"running": h.Engine.Running(),
		"targets": len(h.Engine.Targets()),
	}
	if h.Config != nil && h.Config.CdpURL != "" {
		resp["cdp"] = h.Config.CdpURL
	}
	if h.Probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		resp["debuggingEnabled"] = h.Probe(ctx)
	}
	web.JSON(w, 200, resp)
}

// HandleTargets lists attached targets with their session state.
//
// @Endpoint GET /targets
func (h *Handlers) HandleTargets(w http.ResponseWriter, r *http.Request) {
	infos := h.Engine.Targets()
	states := make(map[string]any)
	for _, st := range h.Engine.States() {
		states[st.Target] = st
	}

	targets := make([]map[string]any, 0, len(infos))
	for _, t := range infos {
		entry := map[string]any{
			"id":         t.ID,
			"port":       t.Port,
			"pageId":     t.PageID,
			"type":       t.Type,
			"title":      t.Title,
			"url":        t.URL,
			"connected":  t.State == bridge.StateConnected,
			"injected":   t.Injected,
			"attachedAt": t.AttachedAt.Format(time.RFC3339),
		}
		if t.ConfigHash != "" {
			entry["configHash"] = t.ConfigHash
		}
		if st, ok := states[t.ID]; ok {
			entry["session"] = st
		}
		targets = append(targets, entry)
	}
	web.JSON(w, 200, map[string]any{"targets": targets})
}
