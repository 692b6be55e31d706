// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding"
	"errors"
	"fmt"
	"io"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
)

// Version is the only protocol version this package speaks.
const Version byte = 1

// MaxApduPayload is the exclusive upper bound for an APDU payload length.
const MaxApduPayload = 1024

var (
	// ErrVersion is returned when a message carries a version byte other than Version.
	ErrVersion = fmt.Errorf("%w: unsupported protocol version", terrors.ErrMalformed)

	// ErrIncompleteFrame is returned when the peer closes the stream in the middle of a message.
	ErrIncompleteFrame = fmt.Errorf("incomplete frame: %w", io.ErrUnexpectedEOF)
)

// Decoder parses one message from b. If b is too short it returns the number
// of additional bytes required; a zero count means the message is complete.
type Decoder[T any] func(b []byte) (T, int, error)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", terrors.ErrMalformed, fmt.Sprintf(format, args...))
}

// checkVersion validates the leading version byte if it is already present.
func checkVersion(b []byte) error {
	if len(b) > 0 && b[0] != Version {
		return fmt.Errorf("%w: got %d", ErrVersion, b[0])
	}
	return nil
}

// checkLength reports how many bytes are missing for a message of total
// length, or fails if b holds more than one message.
func checkLength(b []byte, total int) (int, error) {
	if len(b) < total {
		return total - len(b), nil
	}
	if len(b) > total {
		return 0, malformed("%d trailing bytes", len(b)-total)
	}
	return 0, nil
}

// ReadMessage reads exactly one message from r, asking decode how many bytes
// are still missing after every read. It never consumes bytes past the end of
// the message. A peer that closes before sending anything yields io.EOF; one
// that closes mid-message yields ErrIncompleteFrame.
func ReadMessage[T any](r io.Reader, decode Decoder[T]) (T, error) {
	var zero T
	buf := make([]byte, 0, 32)
	for {
		msg, missing, err := decode(buf)
		if err != nil {
			return zero, err
		}
		if missing == 0 {
			return msg, nil
		}

		n := len(buf)
		buf = append(buf, make([]byte, missing)...)
		if _, err := io.ReadFull(r, buf[n:]); err != nil {
			switch {
			case n == 0 && errors.Is(err, io.EOF):
				return zero, io.EOF
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return zero, ErrIncompleteFrame
			default:
				return zero, err
			}
		}
	}
}

// WriteMessage encodes m and writes it to w in a single call.
func WriteMessage(w io.Writer, m encoding.BinaryMarshaler) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadAuthRequest reads one AuthRequest from r.
func ReadAuthRequest(r io.Reader) (AuthRequest, error) {
	return ReadMessage[AuthRequest](r, DecodeAuthRequest)
}

// ReadAuthResponse reads one AuthResponse from r.
func ReadAuthResponse(r io.Reader) (AuthResponse, error) {
	return ReadMessage[AuthResponse](r, DecodeAuthResponse)
}

// ReadConnectRequest reads one ConnectRequest from r.
func ReadConnectRequest(r io.Reader) (ConnectRequest, error) {
	return ReadMessage[ConnectRequest](r, DecodeConnectRequest)
}

// ReadConnectResponse reads one ConnectResponse from r.
func ReadConnectResponse(r io.Reader) (ConnectResponse, error) {
	return ReadMessage[ConnectResponse](r, DecodeConnectResponse)
}

// ReadApduPacket reads one ApduPacket from r.
func ReadApduPacket(r io.Reader) (ApduPacket, error) {
	return ReadMessage[ApduPacket](r, DecodeApduPacket)
}
