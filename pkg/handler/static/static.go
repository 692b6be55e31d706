// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package static implements handler.AuthHandler from a YAML token directory.
//
// Example file:
//
//	providers:
//	  - token: "provider-secret"
//	    identity: lab-provider-1
//	    sims:
//	      - iccid: "8944000000000000001"
//	probes:
//	  - token: "probe-secret"
//	    identity: probe-vienna
//	    expires: 2030-01-01T00:00:00Z
//	    providers: [lab-provider-1]
//
// An empty sims or providers list allows everything.
package static

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"gopkg.in/yaml.v3"
)

// Entry is one token of the directory.
type Entry struct {
	Token    string       `yaml:"token"`
	Identity sim.Identity `yaml:"identity"`
	Expires  time.Time    `yaml:"expires,omitempty"`

	// Providers restricts the providers a probe may reach.
	Providers []sim.Identity `yaml:"providers,omitempty"`

	// Sims restricts the SIMs a provider may register.
	Sims []sim.Info `yaml:"sims,omitempty"`
}

// File is the YAML document.
type File struct {
	Providers []Entry `yaml:"providers"`
	Probes    []Entry `yaml:"probes"`
}

type role int

const (
	roleNone role = iota
	roleProvider
	roleProbe
)

var _ handler.AuthHandler = (*Handler)(nil)

// Handler answers authorization questions from a loaded File.
type Handler struct {
	file File
	now  func() time.Time
}

// Load reads and parses a token directory file.
func Load(path string) (*Handler, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	return Parse(data)
}

// Parse parses a token directory document.
func Parse(data []byte) (*Handler, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return New(f)
}

// New validates f and builds a Handler from it.
func New(f File) (*Handler, error) {
	for _, list := range [][]Entry{f.Providers, f.Probes} {
		for i, e := range list {
			if e.Token == "" || e.Identity == "" {
				return nil, fmt.Errorf("entry %d: token and identity are required", i)
			}
		}
	}
	for _, e := range f.Providers {
		for _, s := range e.Sims {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("provider %s: %w", e.Identity, err)
			}
		}
	}
	return &Handler{file: f, now: time.Now}, nil
}

// lookup scans every entry so the time taken does not depend on which one matches.
func (h *Handler) lookup(token []byte) (Entry, role) {
	var (
		found Entry
		r     = roleNone
	)
	for _, e := range h.file.Providers {
		if subtle.ConstantTimeCompare([]byte(e.Token), token) == 1 {
			found, r = e, roleProvider
		}
	}
	for _, e := range h.file.Probes {
		if subtle.ConstantTimeCompare([]byte(e.Token), token) == 1 {
			found, r = e, roleProbe
		}
	}
	return found, r
}

func (h *Handler) check(token []byte, want role) (Entry, handler.Result) {
	e, r := h.lookup(token)
	switch {
	case r == roleNone:
		return e, handler.InvalidToken
	case !e.Expires.IsZero() && !h.now().Before(e.Expires):
		return e, handler.ExpiredToken
	case r != want:
		return e, handler.NotRegistered
	default:
		return e, handler.Success
	}
}

// AllowedProviderRegistration accepts unexpired provider tokens.
func (h *Handler) AllowedProviderRegistration(_ context.Context, token []byte) (handler.Result, error) {
	_, r := h.check(token, roleProvider)
	return r, nil
}

// AllowedSimRegistration accepts SIMs on the provider's allow-list.
func (h *Handler) AllowedSimRegistration(_ context.Context, token []byte, sims []sim.Info) (handler.Result, error) {
	e, r := h.check(token, roleProvider)
	if r != handler.Success || len(e.Sims) == 0 {
		return r, nil
	}
	for _, s := range sims {
		if !allowedSim(e.Sims, s) {
			return handler.Forbidden, nil
		}
	}
	return handler.Success, nil
}

func allowedSim(allowed []sim.Info, s sim.Info) bool {
	for _, a := range allowed {
		if (a.ICCID != "" && a.ICCID == s.ICCID) || (a.IMSI != "" && a.IMSI == s.IMSI) {
			return true
		}
	}
	return false
}

// AllowedProbeRegistration accepts unexpired probe tokens.
func (h *Handler) AllowedProbeRegistration(_ context.Context, token []byte) (handler.Result, error) {
	_, r := h.check(token, roleProbe)
	return r, nil
}

// AllowedSimRequest accepts requests for providers on the probe's allow-list.
func (h *Handler) AllowedSimRequest(_ context.Context, token []byte, provider sim.Identity, _ sim.Sim) (handler.Result, error) {
	e, r := h.check(token, roleProbe)
	if r != handler.Success {
		return handler.Forbidden, nil
	}
	if len(e.Providers) == 0 {
		return handler.Success, nil
	}
	for _, p := range e.Providers {
		if p == provider {
			return handler.Success, nil
		}
	}
	return handler.Forbidden, nil
}

// Identity returns the identity of any unexpired token.
func (h *Handler) Identity(_ context.Context, token []byte) (sim.Identity, bool, error) {
	e, r := h.lookup(token)
	if r == roleNone || (!e.Expires.IsZero() && !h.now().Before(e.Expires)) {
		return "", false, nil
	}
	return e.Identity, true, nil
}
