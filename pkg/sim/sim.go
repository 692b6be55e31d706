// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sim holds the records shared by the tunnel, the auth handlers and
// the persistence layer.
package sim

import (
	"fmt"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

var errNoIdentifier = fmt.Errorf("%w: sim has neither iccid nor imsi", terrors.ErrMalformed)

// Identity is the opaque id the auth layer assigns to a probe or provider.
type Identity string

// Info describes a SIM as reported by a provider during registration.
// At least one of ICCID and IMSI is set.
type Info struct {
	ICCID wire.ICCID `json:"iccid,omitempty" yaml:"iccid,omitempty" cbor:"1,keyasint,omitempty"`
	IMSI  wire.IMSI  `json:"imsi,omitempty" yaml:"imsi,omitempty" cbor:"2,keyasint,omitempty"`
}

// Validate checks the digit fields of i.
func (i Info) Validate() error {
	if i.ICCID == "" && i.IMSI == "" {
		return errNoIdentifier
	}
	if i.ICCID != "" {
		if _, err := wire.ParseICCID(string(i.ICCID)); err != nil {
			return err
		}
	}
	if i.IMSI != "" {
		if _, err := wire.ParseIMSI(string(i.IMSI)); err != nil {
			return err
		}
	}
	return nil
}

// Sim is a stored SIM card. Provider is empty when no provider currently holds it.
type Sim struct {
	ID       uint64     `json:"id" cbor:"1,keyasint"`
	ICCID    wire.ICCID `json:"iccid,omitempty" cbor:"2,keyasint,omitempty"`
	IMSI     wire.IMSI  `json:"imsi,omitempty" cbor:"3,keyasint,omitempty"`
	Provider Identity   `json:"provider,omitempty" cbor:"4,keyasint,omitempty"`
}

// Info returns the identifying fields of s.
func (s Sim) Info() Info {
	return Info{ICCID: s.ICCID, IMSI: s.IMSI}
}

// Identifier returns the most specific wire identifier for s, preferring the
// ICCID, then the IMSI, then the numeric id.
func (s Sim) Identifier() wire.SimIdentifier {
	switch {
	case s.ICCID != "":
		return s.ICCID
	case s.IMSI != "":
		return s.IMSI
	default:
		return wire.SimID(s.ID)
	}
}

// Provider is the availability record of one provider identity.
// Available counts handler loops currently parked waiting for work.
type Provider struct {
	ID        Identity `json:"id" cbor:"1,keyasint"`
	Available int64    `json:"available" cbor:"2,keyasint"`
}

// Sender tells which end of a relay emitted an APDU packet.
type Sender string

const (
	SenderProbe    Sender = "probe"
	SenderProvider Sender = "provider"
)

// ApduRecord is one audit log entry of a relayed packet.
type ApduRecord struct {
	ProviderID Identity    `cbor:"1,keyasint"`
	ProbeID    Identity    `cbor:"2,keyasint"`
	SimID      uint64      `cbor:"3,keyasint"`
	Sender     Sender      `cbor:"4,keyasint"`
	Op         wire.ApduOp `cbor:"5,keyasint"`
	Payload    []byte      `cbor:"6,keyasint"`
	Time       time.Time   `cbor:"7,keyasint"`
}
