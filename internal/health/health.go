// Package health provides HTTP health and readiness check handlers.
//
// Two endpoints are exposed:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz:  readiness probe; returns 200 while the service can do useful
//     work and 503 once a required dependency has failed.
//
// A check reports one of three outcomes. Besides passing and failing, a
// dependency that is impaired but still able to serve (a primary backend
// with an open circuit while a fallback carries the load) can report itself
// as degraded via [Degraded]; degraded checks appear in the response body
// without failing the probe.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map containing the result of each
// named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// its context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy, an error built with [Degraded] when it
// is impaired but serviceable, and any other non-nil error when it is down.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "history",
	// "synthesis"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// DegradedError marks a dependency that is impaired but still able to serve.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degraded returns an error that [Handler.Readyz] reports as "degraded"
// instead of failing the probe.
func Degraded(reason string) error {
	return &DegradedError{Reason: reason}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// severity ranks check outcomes so the worst one decides the overall status.
const (
	sevOK = iota
	sevDegraded
	sevFail
)

// Readyz is a readiness probe. It runs every registered [Checker]
// concurrently, each under its own [checkTimeout] deadline derived from the
// request context, and answers 503 only when at least one check fails
// outright. Degraded checks are reported in the body but keep the probe
// passing.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		line     string
		severity int
	}
	outcomes := make([]outcome, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			err := c.Check(ctx)
			var de *DegradedError
			switch {
			case err == nil:
				outcomes[i] = outcome{line: "ok"}
			case errors.As(err, &de):
				outcomes[i] = outcome{line: "degraded: " + de.Reason, severity: sevDegraded}
			default:
				outcomes[i] = outcome{line: "fail: " + err.Error(), severity: sevFail}
			}
		}()
	}
	wg.Wait()

	checks := make(map[string]string, len(h.checkers))
	worst := sevOK
	for i, c := range h.checkers {
		checks[c.Name] = outcomes[i].line
		if outcomes[i].severity > worst {
			worst = outcomes[i].severity
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch worst {
	case sevDegraded:
		res.Status = "degraded"
	case sevFail:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
