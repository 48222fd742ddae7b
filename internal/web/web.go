// Package web holds the response helpers shared by the control API.
package web

import (
	"log/slog"
	"net/http"

	"github.com/go-json-experiment/json"
)

// JSON writes data with stable key order so polling clients can diff
// consecutive responses.
func JSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.MarshalWrite(w, data, json.Deterministic(true)); err != nil {
		slog.Error("json encode", "err", err)
		return
	}
	_, _ = w.Write([]byte("\n"))
}

func Error(w http.ResponseWriter, code int, err error) {
	ErrorCode(w, code, codeFor(code), err.Error(), false, nil)
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "error"
}

func ErrorCode(w http.ResponseWriter, status int, code, message string, retryable bool, details map[string]any) {
	payload := map[string]any{
		"error": message,
		"code":  code,
	}
	if retryable || status == http.StatusConflict {
		payload["retryable"] = true
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	JSON(w, status, payload)
}

// StatusWriter records the status code for request logging.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
