package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriter(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: w, Code: 200}

	sw.WriteHeader(http.StatusNotFound)
	if sw.Code != http.StatusNotFound {
		t.Errorf("expected Code 404, got %d", sw.Code)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("expected recorded code 404, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	sw2 := &StatusWriter{ResponseWriter: w2, Code: 200}
	_, _ = sw2.Write([]byte("ok"))
	if sw2.Code != 200 {
		t.Errorf("expected default code 200, got %d", sw2.Code)
	}
}

func TestJSONStableOrder(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusCreated, map[string]int{"clicks": 3, "blocked": 1, "awayActions": 2})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	want := `{"awayActions":2,"blocked":1,"clicks":3}` + "\n"
	if w.Body.String() != want {
		t.Errorf("expected body %q, got %q", want, w.Body.String())
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, `{"code":"bad_request","error":"boom"}` + "\n"},
		{http.StatusNotFound, `{"code":"not_found","error":"boom"}` + "\n"},
		{http.StatusConflict, `{"code":"conflict","error":"boom","retryable":true}` + "\n"},
		{http.StatusInternalServerError, `{"code":"error","error":"boom"}` + "\n"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		Error(w, tt.status, errors.New("boom"))
		if w.Code != tt.status {
			t.Errorf("status = %d, want %d", w.Code, tt.status)
		}
		if w.Body.String() != tt.want {
			t.Errorf("%d: body = %q, want %q", tt.status, w.Body.String(), tt.want)
		}
	}
}

func TestErrorCodeDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorCode(w, http.StatusTooManyRequests, "rate_limited", "slow down", true, map[string]any{"max": 5})
	want := `{"code":"rate_limited","details":{"max":5},"error":"slow down","retryable":true}` + "\n"
	if w.Body.String() != want {
		t.Errorf("body = %q", w.Body.String())
	}
}
