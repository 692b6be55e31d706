// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/health"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/memstore"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

type fakeAuth struct {
	handler.AllowAll
	provider handler.Result
	sims     handler.Result
	err      error
}

func (f fakeAuth) AllowedProviderRegistration(context.Context, []byte) (handler.Result, error) {
	return f.provider, f.err
}

func (f fakeAuth) AllowedSimRegistration(context.Context, []byte, []sim.Info) (handler.Result, error) {
	return f.sims, nil
}

func newServer(t *testing.T, auth handler.AuthHandler) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	reg := prometheus.NewRegistry()
	checker := health.NewChecker(0)
	checker.Register("store", health.PingCheck(st), true)

	srv := httptest.NewServer(NewRouter(Config{
		Auth:     auth,
		Store:    st,
		Health:   checker,
		Gatherer: reg,
		Tunnel: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Metrics: metrics.New("test", reg),
	}))
	t.Cleanup(srv.Close)
	return srv, st
}

func put(t *testing.T, srv *httptest.Server, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/provider/sims", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestRegisterSims(t *testing.T) {
	srv, st := newServer(t, handler.AllowAll{})

	res := put(t, srv, "provider-1", `[{"iccid":"8944000000000000001"},{"imsi":"001010000000001"}]`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var sims []sim.Sim
	if err := json.NewDecoder(res.Body).Decode(&sims); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sims) != 2 || sims[0].Provider != "provider-1" {
		t.Fatalf("response = %+v", sims)
	}

	got, err := st.GetSim(context.Background(), wire.IMSI("001010000000001"))
	if err != nil {
		t.Fatalf("GetSim() error = %v", err)
	}
	if got.Provider != "provider-1" {
		t.Errorf("provider = %q, want provider-1", got.Provider)
	}
}

func TestRegisterSimsRejected(t *testing.T) {
	tests := []struct {
		name  string
		auth  handler.AuthHandler
		token string
		body  string
		want  int
	}{
		{"missing token", handler.AllowAll{}, "", `[]`, http.StatusUnauthorized},
		{"invalid json", handler.AllowAll{}, "p", `{`, http.StatusBadRequest},
		{"invalid iccid", handler.AllowAll{}, "p", `[{"iccid":"89ab"}]`, http.StatusBadRequest},
		{"no identifier", handler.AllowAll{}, "p", `[{}]`, http.StatusBadRequest},
		{"invalid token", fakeAuth{provider: handler.InvalidToken}, "p", `[]`, http.StatusUnauthorized},
		{"expired token", fakeAuth{provider: handler.ExpiredToken}, "p", `[]`, http.StatusUnauthorized},
		{"sims forbidden", fakeAuth{sims: handler.Forbidden}, "p", `[{"iccid":"8944000000000000001"}]`, http.StatusForbidden},
		{"backend down", fakeAuth{err: errors.New("down")}, "p", `[]`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.auth)
			if res := put(t, srv, tt.token, tt.body); res.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestOperationalRoutes(t *testing.T) {
	srv, _ := newServer(t, handler.AllowAll{})

	for path, want := range map[string]int{
		"/live":      http.StatusOK,
		"/health":    http.StatusOK,
		"/ready":     http.StatusOK,
		"/v1/tunnel": http.StatusTeapot,
		"/nope":      http.StatusNotFound,
	} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, res.StatusCode, want)
		}
	}

	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `test_http_requests_total{method="GET",route="/live",status="200"} 1`) {
		t.Errorf("metrics output misses /live request:\n%s", body)
	}
}
