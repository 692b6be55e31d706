// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mobileatlas

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func opts(vars map[string]string) env.Options {
	return env.Options{Prefix: EnvPrefix, Environment: vars}
}

func TestNewConfigDefaults(t *testing.T) {
	c, err := NewConfig(opts(map[string]string{}))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if c.ProbeAddress != ":5555" || c.ProviderAddress != ":6666" || c.HTTPAddress != ":8080" {
		t.Errorf("addresses = %q %q %q", c.ProbeAddress, c.ProviderAddress, c.HTTPAddress)
	}
	if c.AuthMsgTimeout != 10*time.Second {
		t.Errorf("AuthMsgTimeout = %v, want 10s", c.AuthMsgTimeout)
	}
	if c.QueueMaxIdle != 3*time.Minute {
		t.Errorf("QueueMaxIdle = %v, want 3m", c.QueueMaxIdle)
	}
	if c.Store != StoreMemory || c.Auth != AuthStatic {
		t.Errorf("backends = %q %q", c.Store, c.Auth)
	}
	if c.HideForbiddenSims {
		t.Error("HideForbiddenSims enabled by default")
	}
	if c.TLSConfig() != nil {
		t.Error("TLS enabled without certificates")
	}
}

func TestNewConfigOverrides(t *testing.T) {
	c, err := NewConfig(opts(map[string]string{
		"MOAT_PROBE_ADDRESS":       "127.0.0.1:7000",
		"MOAT_QUEUE_CAPACITY":      "8",
		"MOAT_HIDE_FORBIDDEN_SIMS": "true",
		"MOAT_STORE":               "Postgres",
		"MOAT_POSTGRES_DSN":        "postgres://localhost/moat",
		"MOAT_RATE_LIMIT":          "2.5",
		"PROBE_ADDRESS":            "ignored:1",
	}))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if c.ProbeAddress != "127.0.0.1:7000" {
		t.Errorf("ProbeAddress = %q", c.ProbeAddress)
	}
	if c.QueueCapacity != 8 || !c.HideForbiddenSims || c.RateLimit != 2.5 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.Store != StorePostgres {
		t.Errorf("Store = %q, want %q", c.Store, StorePostgres)
	}
}

func TestNewConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want error
	}{
		{"unknown store", map[string]string{"MOAT_STORE": "redis"}, errUnknownStore},
		{"postgres without dsn", map[string]string{"MOAT_STORE": "postgres"}, errUnknownStore},
		{"unknown auth", map[string]string{"MOAT_AUTH": "ldap"}, errUnknownAuth},
		{"remote without url", map[string]string{"MOAT_AUTH": "remote"}, errUnknownAuth},
		{"cert without key", map[string]string{"MOAT_TLS_CERT": "cert.pem"}, errTLSPair},
		{"client ca alone", map[string]string{"MOAT_TLS_CLIENT_CA": "ca.pem"}, errTLSPair},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(opts(tt.vars))
			if !errors.Is(err, tt.want) {
				t.Errorf("NewConfig() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := NewConfig(opts(map[string]string{"MOAT_AUTH_TIMEOUT": "soon"})); err == nil {
		t.Error("NewConfig() accepted an invalid duration")
	}
}

func TestNewConfigTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)

	c, err := NewConfig(opts(map[string]string{
		"MOAT_TLS_CERT": certFile,
		"MOAT_TLS_KEY":  keyFile,
	}))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	cfg := c.TLSConfig()
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("TLSConfig() = %+v, want one certificate", cfg)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v without a client CA", cfg.ClientAuth)
	}

	c, err = NewConfig(opts(map[string]string{
		"MOAT_TLS_CERT":      certFile,
		"MOAT_TLS_KEY":       keyFile,
		"MOAT_TLS_CLIENT_CA": certFile,
	}))
	if err != nil {
		t.Fatalf("NewConfig() with client CA error = %v", err)
	}
	if c.TLSConfig().ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want mutual TLS", c.TLSConfig().ClientAuth)
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = NewConfig(opts(map[string]string{
		"MOAT_TLS_CERT":      certFile,
		"MOAT_TLS_KEY":       keyFile,
		"MOAT_TLS_CLIENT_CA": empty,
	}))
	if err == nil {
		t.Error("NewConfig() accepted a client CA without certificates")
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LogLevel(in); got != want {
			t.Errorf("LogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func writeCert(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tunnel.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
