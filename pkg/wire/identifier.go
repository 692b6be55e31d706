// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// IdentifierKind tags the SimIdentifier variant carried by a ConnectRequest.
type IdentifierKind uint8

const (
	KindID    IdentifierKind = 0
	KindICCID IdentifierKind = 1
	KindIMSI  IdentifierKind = 2
	KindIndex IdentifierKind = 3
)

const (
	iccidFieldLen = 20
	imsiFieldLen  = 15
	intFieldLen   = 8

	minDigits = 5
)

func (k IdentifierKind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindICCID:
		return "iccid"
	case KindIMSI:
		return "imsi"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

// fieldLen returns the encoded payload size for the kind.
func (k IdentifierKind) fieldLen() (int, bool) {
	switch k {
	case KindID, KindIndex:
		return intFieldLen, true
	case KindICCID:
		return iccidFieldLen, true
	case KindIMSI:
		return imsiFieldLen, true
	default:
		return 0, false
	}
}

// SimIdentifier names one SIM. It is implemented by SimID, ICCID, IMSI and SimIndex only.
type SimIdentifier interface {
	Kind() IdentifierKind
	String() string
	appendPayload(b []byte) []byte
}

// SimID is the numeric database id of a SIM.
type SimID uint64

// SimIndex is the positional index of a SIM, counted from zero in id order.
type SimIndex uint64

// ICCID is an integrated circuit card identifier of 5 to 20 ASCII digits.
type ICCID string

// IMSI is an international mobile subscriber identity of 5 to 15 ASCII digits.
type IMSI string

func (SimID) Kind() IdentifierKind { return KindID }
func (SimIndex) Kind() IdentifierKind { return KindIndex }
func (ICCID) Kind() IdentifierKind { return KindICCID }
func (IMSI) Kind() IdentifierKind { return KindIMSI }

func (id SimID) String() string { return "id:" + strconv.FormatUint(uint64(id), 10) }
func (id SimIndex) String() string { return "index:" + strconv.FormatUint(uint64(id), 10) }
func (id ICCID) String() string { return "iccid:" + string(id) }
func (id IMSI) String() string { return "imsi:" + string(id) }

func (id SimID) appendPayload(b []byte) []byte { return binary.BigEndian.AppendUint64(b, uint64(id)) }
func (id SimIndex) appendPayload(b []byte) []byte { return binary.BigEndian.AppendUint64(b, uint64(id)) }
func (id ICCID) appendPayload(b []byte) []byte { return appendDigits(b, string(id), iccidFieldLen) }
func (id IMSI) appendPayload(b []byte) []byte { return appendDigits(b, string(id), imsiFieldLen) }

// ParseICCID validates s as an ICCID.
func ParseICCID(s string) (ICCID, error) {
	if err := validDigits(s, iccidFieldLen); err != nil {
		return "", fmt.Errorf("iccid: %w", err)
	}
	return ICCID(s), nil
}

// ParseIMSI validates s as an IMSI.
func ParseIMSI(s string) (IMSI, error) {
	if err := validDigits(s, imsiFieldLen); err != nil {
		return "", fmt.Errorf("imsi: %w", err)
	}
	return IMSI(s), nil
}

func validDigits(s string, maxLen int) error {
	if len(s) < minDigits || len(s) > maxLen {
		return malformed("%d digits outside [%d, %d]", len(s), minDigits, maxLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return malformed("non-digit byte 0x%02x", s[i])
		}
	}
	return nil
}

func appendDigits(b []byte, s string, width int) []byte {
	b = append(b, s...)
	for i := len(s); i < width; i++ {
		b = append(b, 0)
	}
	return b
}

// decodeDigits strips the zero padding of a fixed-width digit field.
func decodeDigits(field []byte) (string, error) {
	s := field
	if i := bytes.IndexByte(field, 0); i >= 0 {
		s = field[:i]
		for _, c := range field[i:] {
			if c != 0 {
				return "", malformed("digit after padding")
			}
		}
	}
	if err := validDigits(string(s), len(field)); err != nil {
		return "", err
	}
	return string(s), nil
}

func decodeIdentifier(kind IdentifierKind, payload []byte) (SimIdentifier, error) {
	switch kind {
	case KindID:
		return SimID(binary.BigEndian.Uint64(payload)), nil
	case KindIndex:
		return SimIndex(binary.BigEndian.Uint64(payload)), nil
	case KindICCID:
		s, err := decodeDigits(payload)
		if err != nil {
			return nil, fmt.Errorf("iccid: %w", err)
		}
		return ICCID(s), nil
	case KindIMSI:
		s, err := decodeDigits(payload)
		if err != nil {
			return nil, fmt.Errorf("imsi: %w", err)
		}
		return IMSI(s), nil
	default:
		return nil, malformed("identifier kind %d", kind)
	}
}
