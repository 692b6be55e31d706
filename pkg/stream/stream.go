// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"sync"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
	"go.uber.org/multierr"
)

// flushTimeout bounds how long Close waits for background sends to drain.
const flushTimeout = time.Second

// Stream carries APDU packets over one Conn.
type Stream struct {
	conn *Conn

	mu       sync.Mutex
	pending  [][]byte
	started  bool
	closing  bool
	writeErr error

	wake   chan struct{}
	closed chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. The stream owns conn from now on.
func New(conn *Conn) *Stream {
	return &Stream{
		conn:   conn,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() *Conn {
	return s.conn
}

// Send writes p synchronously.
func (s *Stream) Send(p wire.ApduPacket) error {
	select {
	case <-s.closed:
		return terrors.ErrConnectionClosed
	default:
	}
	return wire.WriteMessage(s.conn, p)
}

// SendBackground queues p for the stream's forwarder and returns without
// waiting for the peer. Packets are written in the order they were queued.
// It fails once the stream is closed or a background write failed.
func (s *Stream) SendBackground(p wire.ApduPacket) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	if s.closing {
		s.mu.Unlock()
		return terrors.ErrConnectionClosed
	}
	s.pending = append(s.pending, b)
	if !s.started {
		s.started = true
		go s.forward()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Stream) forward() {
	defer close(s.done)
	for {
		var closing bool
		select {
		case <-s.wake:
		case <-s.closed:
			closing = true
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, b := range batch {
			if _, err := s.conn.Write(b); err != nil {
				s.mu.Lock()
				s.writeErr = err
				s.mu.Unlock()
				s.conn.Close()
				return
			}
		}
		if closing {
			return
		}
	}
}

// Recv blocks until one packet arrives. It returns io.EOF when the peer
// closed cleanly between packets and wire.ErrIncompleteFrame when it closed
// in the middle of one.
func (s *Stream) Recv() (wire.ApduPacket, error) {
	return wire.ReadApduPacket(s.conn)
}

// Close flushes queued packets for up to a second, then shuts down both
// directions and closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		started := s.started
		s.mu.Unlock()

		close(s.closed)
		if started {
			timer := time.NewTimer(flushTimeout)
			select {
			case <-s.done:
			case <-timer.C:
			}
			timer.Stop()
		}

		s.closeErr = multierr.Append(s.conn.CloseWrite(), s.conn.Close())
	})
	return s.closeErr
}
