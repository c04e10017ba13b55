package pipeline

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ForbiddenMessage is the body of a trigger request with the wrong key.
const ForbiddenMessage = `Security key does not match. Make sure your "key" URL query parameter matches the metrics_job.shared_secret setting (ENGINE_METRICS_JOB_SHARED_SECRET).`

// Routes registers the trigger endpoint on r.
func (p *Pipeline) Routes(r chi.Router) {
	r.Get("/jobs/update-metrics", p.HandleUpdateMetrics)
}

// HandleUpdateMetrics handles GET /jobs/update-metrics?key=...
// The run is synchronous; the response carries the month it wrote.
func (p *Pipeline) HandleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r.URL.Query().Get("key")) {
		slog.Warn("metrics trigger rejected", "remote", r.RemoteAddr)
		writeText(w, http.StatusForbidden, ForbiddenMessage)
		return
	}

	res, err := p.Run(r.Context(), p.now())
	if err != nil {
		writeText(w, http.StatusInternalServerError, "metrics update failed")
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("metrics updated: %s", res.MonthKey))
}

func (p *Pipeline) authorized(key string) bool {
	if p.opts.SharedSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(p.opts.SharedSecret)) == 1
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
