// Package health serves the liveness and readiness probes of the session
// server.
//
// GET /healthz answers 200 whenever the process can serve HTTP at all.
// GET /readyz runs the registered dependency probes, typically the Postgres
// gateway and the analysis queue connection, and answers 503 as soon as one
// of them fails. Both respond with a JSON body carrying a "status" field
// ("ok" or "fail") and, for readiness, a "checks" map with one line per
// probe.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness probe. A wedged dependency must not hold
// the whole endpoint hostage.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can serve sessions and an error describing the outage
// otherwise. It must honor context cancellation.
type Checker struct {
	// Name keys the probe's line in the readiness response, for example
	// "database" or "queue".
	Name string

	Check func(ctx context.Context) error
}

// result is the wire shape of both endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction; serving is safe for concurrent use.
type Handler struct {
	checkers []Checker
	log      *slog.Logger
}

// New builds a Handler over the given probes. They run sequentially on every
// readiness request, in the order given here.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, log: slog.Default()}
}

// Healthz reports liveness. Reaching the handler is the whole check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every probe and reports 200 only when all of them pass. Each
// probe gets its own timeout derived from the request context, so one slow
// dependency cannot mask the state of the others.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}

	res := result{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) runCheck(parent context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()
	if err := c.Check(ctx); err != nil {
		h.log.Warn("readiness check failed", "check", c.Name, "err", err)
		return err
	}
	return nil
}

// Register mounts both probe routes on mux.
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
