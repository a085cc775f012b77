// Package health serves the transcription server's probe endpoints.
//
// /healthz is liveness: a process that can answer HTTP is alive, so it is
// always 200. /readyz is readiness: it runs the registered [Checker] funcs —
// the app wires one per dependency, such as the session manager — and
// returns 503 as soon as any of them reports a failure, which takes the
// instance out of load-balancer rotation without killing open sessions.
//
// Both endpoints reply with a JSON body: a top-level "status" of "ok" or
// "fail", and for readiness a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps each individual readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency can
// serve and an error describing the problem otherwise; it must honour ctx.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "sessions".
	Name string

	Check func(ctx context.Context) error
}

// report is the JSON body of a probe response.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. Readiness evaluates them
// sequentially in the order given.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz is the readiness probe: 200 when every checker passes, 503
// otherwise. Each check runs under its own [checkTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.runChecks(r.Context())

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// runChecks evaluates every checker and reports whether all passed. A failed
// check does not short-circuit the rest; the response names every broken
// dependency.
func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, ready
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
