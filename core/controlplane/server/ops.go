package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/rollup"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/metrics"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/tracing"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const readyTimeout = 2 * time.Second

// NewOpsRouter serves health, readiness, metrics and the read-only
// workspace summary.
func NewOpsRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(tracing.HTTPMiddleware("opensheath.ops"))
	r.Use(instrument(app.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
		defer cancel()
		if err := app.Ready(ctx); err != nil {
			logging.Warn("server", "readiness check failed", "err", err, "req_id", chimw.GetReqID(req.Context()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", metrics.Handler(app.Registry))
	r.Get("/v1/workspaces/{workspaceID}/summary", func(w http.ResponseWriter, req *http.Request) {
		workspaceID := strings.TrimSpace(chi.URLParam(req, "workspaceID"))
		invs, err := app.Invocations.ListByWorkspace(req.Context(), workspaceID)
		if err != nil {
			writeError(w, req, err)
			return
		}
		runs, err := app.Swarm.ListRuns(req.Context(), workspaceID)
		if err != nil {
			writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, rollup.Summarize(invs, runs, workspaceID))
	})
	return r
}

// instrument records request metrics labelled by route pattern.
func instrument(m metrics.HTTP) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			route := req.URL.Path
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(req.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
		})
	}
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindValidationDenied:
		status = http.StatusBadRequest
	case model.KindConflict:
		status = http.StatusConflict
	case model.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logging.Error("server", "request failed", "path", req.URL.Path, "err", err, "req_id", chimw.GetReqID(req.Context()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("server", "encode response failed", "err", err)
	}
}
