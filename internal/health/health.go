// Package health serves the liveness and readiness endpoints for the
// broadcast service.
//
// Liveness (/healthz, and its public alias /health) only proves the process
// answers HTTP. Readiness (/readyz) additionally runs the wired [Checker]
// probes, typically the session store and the configured speech providers,
// and reports 503 until all of them pass. The JSON body carries a top-level
// "status" plus a per-check map so an operator can see which dependency is
// holding a rollout back.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds each readiness probe so one stuck dependency cannot
// hold the endpoint open past the orchestrator's probe deadline.
const checkTimeout = 5 * time.Second

// Checker probes one dependency for readiness.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "store" or "asr".
	Name string

	// Check returns nil when the dependency can serve a broadcast. It must
	// honor ctx cancellation.
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the health routes. The checker set is fixed at
// construction, which makes the handler safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given readiness checkers. /readyz evaluates
// them one at a time in the order given here.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200: a process that got this far can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every checker passes, 503 otherwise. Each
// checker runs under its own checkTimeout derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		if err := h.run(r.Context(), c); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			rep.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, rep)
}

func (h *Handler) run(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts the health routes. /health is the public liveness alias
// listener clients poll; /healthz and /readyz serve orchestration probes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.Healthz)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
