// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/health"
	mvlog "github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/persist"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/pipeline/worker"
)

func newHealthManager(cfg config.Config, st store.StateStore, auditLog *audit.Logger, records *persist.SQLiteStore) *health.Manager {
	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewDirChecker("spool_dir", cfg.SpoolDir))
	hm.RegisterChecker(health.NewDirChecker("audit_dir", cfg.AuditDir))
	hm.RegisterChecker(health.NewPingChecker("session_store", func(ctx context.Context) error {
		return st.Scan(ctx, func(*model.Session) error { return nil })
	}))
	hm.RegisterChecker(health.NewPingChecker("audit_chain", func(ctx context.Context) error {
		return auditLog.Verify()
	}))
	hm.RegisterChecker(health.NewPingChecker("record_store", func(ctx context.Context) error {
		_, err := records.CountByOwner(ctx, "health-probe")
		return err
	}))
	return hm
}

func newRouter(hm *health.Manager, orch *worker.Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", hm.ServeHealth)
	r.Get("/readyz", hm.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/v1/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		view, err := orch.GetSessionStatus(req.Context(), id, req.Header.Get("X-Request-Actor"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			logger := mvlog.WithComponentFromContext(req.Context(), "api")
			logger.Error().Err(err).Msg("failed to encode session view")
		}
	})

	return r
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		logger := mvlog.WithComponentFromContext(req.Context(), "api")
		logger.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(req.Context())).
			Msg("request")
	})
}
