// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package remote implements handler.AuthHandler by asking a management
// service over HTTP. Every call is bounded by a timeout and goes through a
// circuit breaker, so an unreachable service fails fast instead of stalling
// each handshake.
//
// Each method POSTs a JSON body to <URL>/tunnel/auth/<method> and expects
//
//	{"result": "success" | "invalid_token" | "expired_token" | "forbidden" | "not_registered"}
//
// or, for identity lookups, {"identity": "...", "known": true}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/breaker"
	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
)

const maxResponseSize = 1 << 16

var results = map[string]handler.Result{
	"success":        handler.Success,
	"invalid_token":  handler.InvalidToken,
	"expired_token":  handler.ExpiredToken,
	"forbidden":      handler.Forbidden,
	"not_registered": handler.NotRegistered,
}

// Config configures the client.
type Config struct {
	// URL is the base URL of the management service.
	URL     string
	Client  *http.Client
	Breaker *breaker.CircuitBreaker
	Logger  *slog.Logger
}

var _ handler.AuthHandler = (*Handler)(nil)

// Handler is an HTTP AuthHandler.
type Handler struct {
	url     string
	client  *http.Client
	breaker *breaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a remote handler.
func New(cfg Config) *Handler {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		url:     strings.TrimRight(cfg.URL, "/"),
		client:  cfg.Client,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
	}
}

type request struct {
	Token    []byte       `json:"token"`
	Provider sim.Identity `json:"provider,omitempty"`
	Sim      *sim.Sim     `json:"sim,omitempty"`
	Sims     []sim.Info   `json:"sims,omitempty"`
}

type response struct {
	Result   string       `json:"result"`
	Identity sim.Identity `json:"identity"`
	Known    bool         `json:"known"`
}

func (h *Handler) call(ctx context.Context, method string, req request) (response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return response{}, err
	}

	var resp response
	err = h.breaker.Execute(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/tunnel/auth/"+method, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := h.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseSize))
			return fmt.Errorf("%s: unexpected status %d", method, httpResp.StatusCode)
		}
		return json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseSize)).Decode(&resp)
	})
	if err != nil {
		h.logger.Warn("Authorization backend call failed",
			slog.String("method", method),
			slog.Any("error", err))
		return response{}, fmt.Errorf("%w: %w", terrors.ErrBackendUnavailable, err)
	}
	return resp, nil
}

func (h *Handler) result(ctx context.Context, method string, req request) (handler.Result, error) {
	resp, err := h.call(ctx, method, req)
	if err != nil {
		return handler.InvalidToken, err
	}
	r, ok := results[resp.Result]
	if !ok {
		return handler.InvalidToken, fmt.Errorf("%w: %s: unknown result %q", terrors.ErrBackendUnavailable, method, resp.Result)
	}
	return r, nil
}

// AllowedProviderRegistration asks the service about a provider token.
func (h *Handler) AllowedProviderRegistration(ctx context.Context, token []byte) (handler.Result, error) {
	return h.result(ctx, "provider", request{Token: token})
}

// AllowedSimRegistration asks the service about a SIM registration.
func (h *Handler) AllowedSimRegistration(ctx context.Context, token []byte, sims []sim.Info) (handler.Result, error) {
	return h.result(ctx, "sims", request{Token: token, Sims: sims})
}

// AllowedProbeRegistration asks the service about a probe token.
func (h *Handler) AllowedProbeRegistration(ctx context.Context, token []byte) (handler.Result, error) {
	return h.result(ctx, "probe", request{Token: token})
}

// AllowedSimRequest asks the service whether a probe may use a SIM.
func (h *Handler) AllowedSimRequest(ctx context.Context, token []byte, provider sim.Identity, s sim.Sim) (handler.Result, error) {
	return h.result(ctx, "sim-request", request{Token: token, Provider: provider, Sim: &s})
}

// Identity asks the service who owns a token.
func (h *Handler) Identity(ctx context.Context, token []byte) (sim.Identity, bool, error) {
	resp, err := h.call(ctx, "identity", request{Token: token})
	if err != nil {
		return "", false, err
	}
	if !resp.Known || resp.Identity == "" {
		return "", false, nil
	}
	return resp.Identity, true, nil
}
