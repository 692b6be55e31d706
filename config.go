// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mobileatlas

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "MOAT_"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Auth backends.
const (
	AuthStatic = "static"
	AuthRemote = "remote"
)

var (
	errUnknownStore = errors.New("unknown store backend")
	errUnknownAuth  = errors.New("unknown auth backend")
	errTLSPair      = errors.New("TLS certificate and key must be set together")
)

// Config holds the tunnel server configuration.
type Config struct {
	ProbeAddress    string `env:"PROBE_ADDRESS"    envDefault:":5555"`
	ProviderAddress string `env:"PROVIDER_ADDRESS" envDefault:":6666"`
	HTTPAddress     string `env:"HTTP_ADDRESS"     envDefault:":8080"`

	TLSCert     string `env:"TLS_CERT"`
	TLSKey      string `env:"TLS_KEY"`
	TLSClientCA string `env:"TLS_CLIENT_CA"`

	AuthMsgTimeout          time.Duration `env:"AUTH_MSG_TIMEOUT"          envDefault:"10s"`
	ProbeRequestTimeout     time.Duration `env:"PROBE_REQUEST_TIMEOUT"     envDefault:"30s"`
	ProviderResponseTimeout time.Duration `env:"PROVIDER_RESPONSE_TIMEOUT" envDefault:"30s"`

	QueueGCInterval time.Duration `env:"QUEUE_GC_INTERVAL" envDefault:"60s"`
	QueueMaxIdle    time.Duration `env:"QUEUE_MAX_IDLE"    envDefault:"180s"`
	QueueCapacity   int           `env:"QUEUE_CAPACITY"    envDefault:"0"`

	KeepAliveIdle     time.Duration `env:"KEEPALIVE_IDLE"     envDefault:"60s"`
	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"15s"`
	KeepAliveCount    int           `env:"KEEPALIVE_COUNT"    envDefault:"4"`

	HideForbiddenSims bool `env:"HIDE_FORBIDDEN_SIMS" envDefault:"false"`

	RateLimit float64 `env:"RATE_LIMIT" envDefault:"20"`
	RateBurst int     `env:"RATE_BURST" envDefault:"40"`

	Store               string `env:"STORE"                 envDefault:"memory"`
	BoltPath            string `env:"BOLT_PATH"             envDefault:"mobileatlas.db"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	StoreConnectRetries uint64 `env:"STORE_CONNECT_RETRIES" envDefault:"10"`

	Auth                string        `env:"AUTH"                  envDefault:"static"`
	AuthFile            string        `env:"AUTH_FILE"             envDefault:"tokens.yaml"`
	AuthURL             string        `env:"AUTH_URL"`
	AuthTimeout         time.Duration `env:"AUTH_TIMEOUT"          envDefault:"5s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`

	tlsConfig *tls.Config
}

// TLSConfig returns the listener TLS configuration built from the TLS_* files.
// Nil means plain TCP.
func (c Config) TLSConfig() *tls.Config {
	return c.tlsConfig
}

// NewConfig parses the environment and loads the TLS material it names.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	c.Store = strings.ToLower(c.Store)
	switch c.Store {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return Config{}, fmt.Errorf("%w: postgres requires POSTGRES_DSN", errUnknownStore)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", errUnknownStore, c.Store)
	}

	c.Auth = strings.ToLower(c.Auth)
	switch c.Auth {
	case AuthStatic:
	case AuthRemote:
		if c.AuthURL == "" {
			return Config{}, fmt.Errorf("%w: remote requires AUTH_URL", errUnknownAuth)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", errUnknownAuth, c.Auth)
	}

	tlsCfg, err := loadTLS(c.TLSCert, c.TLSKey, c.TLSClientCA)
	if err != nil {
		return Config{}, err
	}
	c.tlsConfig = tlsCfg

	return c, nil
}

// loadTLS returns nil when no certificate is configured. A client CA turns
// on mutual TLS.
func loadTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		if caFile != "" {
			return nil, errTLSPair
		}
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errTLSPair
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// LogLevel maps a configured level name to a slog level. Unknown names are info.
func LogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
