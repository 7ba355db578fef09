package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/cadenza/internal/observe"
)

// converseRequest is the body of POST /converse.
type converseRequest struct {
	Text string `json:"text"`
}

// converseResponse reports the spoken turn to the HTTP caller.
type converseResponse struct {
	Dialogue   string  `json:"dialogue"`
	Mood       string  `json:"mood,omitempty"`
	Expression string  `json:"expression,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the app's HTTP surface: POST /converse for conversational
// turns, GET /metrics for Prometheus scrapes, and the health endpoints. All
// routes are wrapped in request metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /converse", a.handleConverse)
	return observe.Middleware(a.metrics)(mux)
}

// handleConverse runs one conversational turn and replies once the character
// has finished speaking. A request that arrives while a turn is in flight
// preempts it; the preempted request gets 409.
func (a *App) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	res, err := a.Converse(r.Context(), req.Text)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoCharacter):
		writeError(w, http.StatusServiceUnavailable, "no character configured")
		return
	case errors.Is(err, ErrPreempted):
		writeError(w, http.StatusConflict, "preempted by newer input")
		return
	default:
		observe.Logger(r.Context()).Error("turn failed", "error", err)
		writeError(w, http.StatusBadGateway, "turn failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, converseResponse{
		Dialogue:   res.Dialogue,
		Mood:       res.Mood,
		Expression: res.Expression,
		DurationMS: res.Duration.Milliseconds(),
		Confidence: res.Confidence,
	})
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
