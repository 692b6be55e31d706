// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/health"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
)

// maxBodySize bounds SIM registration request bodies.
const maxBodySize = 1 << 20

// Config configures the HTTP API.
type Config struct {
	Auth  handler.AuthHandler
	Store store.Store

	// Health backs /health and /ready. Nil serves only /live.
	Health *health.Checker

	// Gatherer is exposed on /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Tunnel, if set, serves the websocket transport on /v1/tunnel.
	Tunnel http.Handler

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type api struct {
	cfg Config
}

// NewRouter builds the HTTP API router.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	a := &api{cfg: cfg}

	r := chi.NewRouter()
	r.Use(a.instrument)

	r.Get("/live", health.LivenessHandler())
	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HTTPHandler())
		r.Get("/ready", cfg.Health.ReadinessHandler())
	}
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Put("/provider/sims", a.registerSims)
		if cfg.Tunnel != nil {
			r.Get("/tunnel", cfg.Tunnel.ServeHTTP)
		}
	})

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes the websocket upgrade through to the server connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (a *api) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		a.cfg.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		a.cfg.Metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// resultStatus maps a denied authorization result onto HTTP.
func resultStatus(r handler.Result) int {
	if r == handler.Forbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func bearerToken(r *http.Request) ([]byte, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, false
	}
	return []byte(token), true
}

// registerSims assigns the SIMs in the request body to the calling provider.
func (a *api) registerSims(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var infos []sim.Info
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&infos); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := handler.WithContext(r.Context(), &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: r.RemoteAddr,
		Role:       "api",
	})
	logger := a.cfg.Logger.With(slog.String("remote", r.RemoteAddr))

	res, err := a.cfg.Auth.AllowedProviderRegistration(ctx, token)
	if err != nil {
		logger.Warn("provider registration check failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	if res != handler.Success {
		writeError(w, resultStatus(res), res.String())
		return
	}

	id, known, err := a.cfg.Auth.Identity(ctx, token)
	if err != nil {
		logger.Warn("identity lookup failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	if !known {
		writeError(w, http.StatusUnauthorized, handler.NotRegistered.String())
		return
	}

	res, err = a.cfg.Auth.AllowedSimRegistration(ctx, token, infos)
	if err != nil {
		logger.Warn("sim registration check failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	if res != handler.Success {
		writeError(w, resultStatus(res), res.String())
		return
	}

	sims, err := a.cfg.Store.RegisterSims(ctx, id, infos)
	switch {
	case errors.Is(err, terrors.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error("failed to register sims", slog.String("provider", string(id)), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to register sims")
		return
	}

	logger.Info("sims registered", slog.String("provider", string(id)), slog.Int("count", len(sims)))
	writeJSON(w, http.StatusOK, sims)
}
