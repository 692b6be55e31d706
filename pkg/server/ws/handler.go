// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// Dispatcher takes over upgraded connections.
type Dispatcher interface {
	HandleConn(ctx context.Context, conn net.Conn, only wire.AuthType) error
}

// Config configures the websocket transport.
type Config struct {
	// Role restricts the endpoint to one auth type. Zero admits both.
	Role wire.AuthType

	// CheckOrigin validates the Origin header. Nil accepts every origin;
	// tunnel clients are not browsers.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// Handler upgrades HTTP requests to websockets carrying the tunnel protocol.
type Handler struct {
	upgrader   websocket.Upgrader
	dispatcher Dispatcher
	role       wire.AuthType
	logger     *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a websocket transport handler.
func NewHandler(cfg Config, d Dispatcher) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
		dispatcher: d,
		role:       cfg.Role,
		logger:     cfg.Logger,
	}
}

// ServeHTTP upgrades the connection and hands it to the dispatcher. It
// returns once the dispatcher does; a queued probe connection stays open.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	h.logger.Debug("websocket connection upgraded", slog.String("remote", r.RemoteAddr))

	// The connection is hijacked and may outlive the request.
	ctx := context.WithoutCancel(r.Context())
	_ = h.dispatcher.HandleConn(ctx, NewConn(ws), h.role)
}
