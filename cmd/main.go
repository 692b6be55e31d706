// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	mobileatlas "github.com/sbaresearch/mobile-atlas-sub000"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/api"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/breaker"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler/remote"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler/static"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/health"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/queue"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/ratelimit"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/server/tcp"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/server/ws"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/boltstore"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/memstore"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/pgstore"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/tunnel"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const svcName = "mobileatlas"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := mobileatlas.NewConfig(env.Options{Prefix: mobileatlas.EnvPrefix})
	if err != nil {
		slog.Error(fmt.Sprintf("failed to load %s configuration: %s", svcName, err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(svcName, reg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("store", cfg.Store), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", slog.Any("error", err))
		}
	}()

	checker := health.NewChecker(10 * time.Second)
	checker.Register("store", health.PingCheck(st), true)

	auth, err := newAuth(cfg, m, checker, logger)
	if err != nil {
		logger.Error("failed to set up auth", slog.String("auth", cfg.Auth), slog.Any("error", err))
		os.Exit(1)
	}
	auth = handler.NewInstrumented(handler.NewLogging(auth, logger), m)

	svc, err := tunnel.New(tunnel.Config{
		AuthTimeout:     cfg.AuthMsgTimeout,
		RequestTimeout:  cfg.ProbeRequestTimeout,
		ProviderTimeout: cfg.ProviderResponseTimeout,
		GCInterval:      cfg.QueueGCInterval,
		MaxIdle:         cfg.QueueMaxIdle,
		HideForbidden:   cfg.HideForbiddenSims,
		Store:           st,
		Auth:            auth,
		Queues:          queue.NewRegistry(queue.Config{Capacity: cfg.QueueCapacity, Metrics: m}),
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to create tunnel service", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{Rate: cfg.RateLimit, Burst: cfg.RateBurst})
	defer limiter.Close()

	keepAlive := tcp.KeepAliveConfig{
		Idle:     cfg.KeepAliveIdle,
		Interval: cfg.KeepAliveInterval,
		Count:    cfg.KeepAliveCount,
	}
	var listening sync.WaitGroup
	listeners := []tcp.Config{
		{Name: "probe", Address: cfg.ProbeAddress, Role: wire.AuthProbe},
		{Name: "provider", Address: cfg.ProviderAddress, Role: wire.AuthProvider},
	}
	for _, lc := range listeners {
		lc.TLSConfig = cfg.TLSConfig()
		lc.KeepAlive = keepAlive
		lc.RateLimiter = limiter
		lc.ShutdownTimeout = cfg.ShutdownTimeout
		lc.Metrics = m
		lc.Logger = logger
		srv := tcp.New(lc, svc)
		listening.Add(1)
		g.Go(func() error {
			defer listening.Done()
			return srv.Listen(ctx)
		})
	}

	g.Go(func() error {
		return svc.RunGC(ctx)
	})

	// Queued probes are timed out only after the listeners have drained.
	g.Go(func() error {
		<-ctx.Done()
		svc.Stop()
		listening.Wait()
		svc.Shutdown()
		return nil
	})

	httpServer := &http.Server{
		Addr: cfg.HTTPAddress,
		Handler: api.NewRouter(api.Config{
			Auth:     auth,
			Store:    st,
			Health:   checker,
			Gatherer: reg,
			Tunnel:   ws.NewHandler(ws.Config{Logger: logger}, svc),
			Metrics:  m,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP server started", slog.String("address", cfg.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated with error: %s", svcName, err))
	} else {
		logger.Info(fmt.Sprintf("%s service stopped", svcName))
	}
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: mobileatlas.LogLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore connects the configured backend, retrying with exponential
// backoff while it is unreachable.
func openStore(ctx context.Context, cfg mobileatlas.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case mobileatlas.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), nil
	case mobileatlas.StoreBolt:
		return boltstore.Open(cfg.BoltPath)
	}

	var st store.Store
	open := func() error {
		s, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.PostgresDSN, Logger: logger})
		if err != nil {
			return err
		}
		st = s
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.StoreConnectRetries), ctx)
	notify := func(err error, next time.Duration) {
		logger.Warn("store unavailable, retrying", slog.Any("error", err), slog.Duration("backoff", next))
	}
	if err := backoff.RetryNotify(open, b, notify); err != nil {
		return nil, err
	}
	return st, nil
}

func newAuth(cfg mobileatlas.Config, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) (handler.AuthHandler, error) {
	if cfg.Auth == mobileatlas.AuthStatic {
		return static.Load(cfg.AuthFile)
	}

	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 2,
		Timeout:          cfg.AuthTimeout,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("auth circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues("auth").Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues("auth").Inc()
		}
	})
	checker.Register("auth", health.BreakerCheck(cb), false)

	return remote.New(remote.Config{
		URL:     cfg.AuthURL,
		Client:  &http.Client{Timeout: cfg.AuthTimeout},
		Breaker: cb,
		Logger:  logger,
	}), nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
