package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pinchtab/autoaccept/internal/web"
)

const shutdownGrace = 100 * time.Millisecond

// HandleShutdown replies with the final session summary, then runs
// shutdownFn once the response is flushed.
//
// @Endpoint POST /shutdown
func (h *Handlers) HandleShutdown(shutdownFn func()) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("shutdown requested via API", "remote", r.RemoteAddr)
		web.JSON(w, 200, map[string]any{"status": "shutting down", "summary": h.Engine.Summary()})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.AfterFunc(shutdownGrace, shutdownFn)
	}
}
