// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

var _ net.Conn = (*Conn)(nil)

// Conn is a websocket wrapper that satisfies the net.Conn interface.
// Writes are sent as binary messages; reads concatenate incoming messages
// into one byte stream, so tunnel frames may span message boundaries.
type Conn struct {
	*websocket.Conn
	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex
}

// NewConn wraps a websocket.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		Conn: ws,
	}
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write writes p to the websocket as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads from the current message, advancing to the next one when it is
// exhausted. A normal close from the peer reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			_, c.r, err = c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.ErrUnexpectedEOF
				}
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// CloseWrite sends a normal close frame. The peer reads io.EOF afterwards.
func (c *Conn) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Close closes the underlying connection without a close handshake.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
