package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pinchtab/autoaccept/internal/bridge"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/idutil"
	"github.com/pinchtab/autoaccept/internal/web"
)

const targetOpTimeout = 15 * time.Second

func targetStatus(err error) int {
	if errors.Is(err, bridge.ErrNoTarget) {
		return 404
	}
	if errors.Is(err, bridge.ErrTargetHeld) || errors.Is(err, dispatch.ErrTyping) {
		return 409
	}
	return 500
}

// HandleTargetScreenshot captures a target's viewport, JPEG quality 50
// unless asked otherwise.
//
// @Endpoint GET /targets/{id}/screenshot
func (h *Handlers) HandleTargetScreenshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !idutil.IsTargetID(id) {
		web.Error(w, 400, fmt.Errorf("invalid target id %q", id))
		return
	}

	format := "jpeg"
	if r.URL.Query().Get("format") == "png" {
		format = "png"
	}
	quality := 50
	if q := r.URL.Query().Get("quality"); q != "" {
		if qn, err := strconv.Atoi(q); err == nil {
			quality = qn
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), targetOpTimeout)
	defer cancel()

	buf, err := h.Engine.Screenshot(ctx, id, format, int64(quality))
	if err != nil {
		web.Error(w, targetStatus(err), err)
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "image/"+format)
		if _, err := w.Write(buf); err != nil {
			slog.Error("screenshot write", "err", err)
		}
		return
	}
	web.JSON(w, 200, map[string]any{
		"format": format,
		"base64": base64.StdEncoding.EncodeToString(buf),
	})
}

// HandleTargetPrompt types text into the target's focused input and
// presses Enter.
//
// @Endpoint POST /targets/{id}/prompt
func (h *Handlers) HandleTargetPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !idutil.IsTargetID(id) {
		web.Error(w, 400, fmt.Errorf("invalid target id %q", id))
		return
	}
	var req struct {
		Text     string `json:"text"`
		Humanize bool   `json:"humanize"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		web.Error(w, 400, fmt.Errorf("decode: %w", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		web.Error(w, 400, fmt.Errorf("text required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), targetOpTimeout)
	defer cancel()

	if err := h.Engine.Prompt(ctx, id, req.Text, req.Humanize); err != nil {
		web.Error(w, targetStatus(err), err)
		return
	}
	web.JSON(w, 200, map[string]any{"sent": true, "target": id})
}

// HandleTargetStopGeneration activates the target's stop control.
//
// @Endpoint POST /targets/{id}/stop-generation
func (h *Handlers) HandleTargetStopGeneration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !idutil.IsTargetID(id) {
		web.Error(w, 400, fmt.Errorf("invalid target id %q", id))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), targetOpTimeout)
	defer cancel()

	stopped, err := h.Engine.StopGeneration(ctx, id)
	if err != nil {
		web.Error(w, targetStatus(err), err)
		return
	}
	web.JSON(w, 200, map[string]any{"stopped": stopped, "target": id})
}

// HandleTargetAccept runs one classified pass on the target now. The
// safety gate and focus check apply as in the scan loop.
//
// @Endpoint POST /targets/{id}/accept
func (h *Handlers) HandleTargetAccept(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !idutil.IsTargetID(id) {
		web.Error(w, 400, fmt.Errorf("invalid target id %q", id))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), targetOpTimeout)
	defer cancel()

	d, activated, err := h.Engine.AcceptNow(ctx, id)
	if err != nil {
		web.Error(w, targetStatus(err), err)
		return
	}
	resp := map[string]any{"activated": activated, "target": id}
	if activated {
		resp["decision"] = d
	}
	web.JSON(w, 200, resp)
}
