// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
)

const readBufferSize = 4096

// Conn is a buffered connection that can watch for the peer going away while
// nobody is reading from it.
//
// Watch starts a background one-byte peek. Reads wait for an active peek to
// finish first, so the peek never races a reader and no byte is lost.
type Conn struct {
	net.Conn

	br      *bufio.Reader
	writeMu sync.Mutex

	mu      sync.Mutex
	watch   chan struct{}
	peekErr error

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn: c,
		br:   bufio.NewReaderSize(c, readBufferSize),
	}
}

// Watch starts watching the connection and returns a channel that is closed
// once data is readable or the peer is gone. Calling Watch again while a
// watch is active, or after it saw unread data or an error, returns the same
// channel. Watch must not be called while a Read is in progress.
func (c *Conn) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watch != nil {
		select {
		case <-c.watch:
			if c.peekErr != nil || c.br.Buffered() > 0 {
				return c.watch
			}
		default:
			return c.watch
		}
	}

	ch := make(chan struct{})
	c.watch = ch
	go func() {
		_, err := c.br.Peek(1)
		c.mu.Lock()
		c.peekErr = err
		c.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Gone reports whether a finished watch saw the peer close or fail. It never blocks.
func (c *Conn) Gone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watch == nil {
		return false
	}
	select {
	case <-c.watch:
		return c.peekErr != nil
	default:
		return false
	}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	w := c.watch
	c.mu.Unlock()
	if w != nil {
		<-w
	}
	return c.br.Read(p)
}

// Write implements io.Writer. Concurrent writes are serialized so frames are
// never interleaved.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.Write(p)
}

// CloseWrite shuts down the sending side if the transport supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// ReadWithin runs read on c and closes c if it does not finish within d.
// A timed out read returns an error wrapping errors.ErrTimeout.
func ReadWithin[T any](c *Conn, d time.Duration, read func(io.Reader) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := read(c)
		done <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		c.Close()
		<-done
		var zero T
		return zero, terrors.ErrTimeout
	}
}

// IsClosed reports whether err means the connection ended, cleanly or because
// it was closed locally.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
