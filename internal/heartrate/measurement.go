// Package heartrate decodes the standard Heart Rate Measurement
// characteristic (0x2A37) notification payload.
//
//	byte 0 flags:
//	| 0x10 | 0x08 | 0x04 0x02 | 0x01 |
//	|  rr  | nrg  | scs  cnt  | fmt  |
//
// fmt selects a uint16 (set) or uint8 (clear) heart rate value, scs/cnt
// encode sensor contact support and status, nrg adds a uint16 energy
// expended field in kJ, and rr adds one or more uint16 RR intervals in
// 1/1024 s units filling the rest of the payload. Multi-byte fields are
// little-endian.
package heartrate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Flag bits of byte 0.
const (
	FlagValue16        = 0x01
	FlagContactStatus  = 0x02
	FlagContactSupport = 0x04
	FlagEnergy         = 0x08
	FlagRR             = 0x10
)

// ErrMalformedPayload reports a payload whose flags declare more data than
// it carries.
var ErrMalformedPayload = errors.New("heartrate: malformed payload")

// Contact is the tri-state sensor contact status.
type Contact int

const (
	ContactUnsupported Contact = iota
	ContactNotDetected
	ContactDetected
)

func (c Contact) String() string {
	switch c {
	case ContactNotDetected:
		return "no_contact"
	case ContactDetected:
		return "contact"
	default:
		return "unsupported"
	}
}

// MarshalText encodes the contact status by name.
func (c Contact) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Reading is one decoded measurement. Readings are values and never mutated
// after Decode returns.
type Reading struct {
	Value     uint16    `json:"value"`
	Wide      bool      `json:"wide"` // value was encoded as uint16
	HasEnergy bool      `json:"has_energy"`
	Energy    uint16    `json:"energy,omitempty"` // kJ
	RR        []uint16  `json:"rr,omitempty"`     // 1/1024 s units
	Contact   Contact   `json:"contact"`
	At        time.Time `json:"at"`
}

// RRIntervals converts the raw RR values to durations.
func (r Reading) RRIntervals() []time.Duration {
	if len(r.RR) == 0 {
		return nil
	}
	out := make([]time.Duration, len(r.RR))
	for i, v := range r.RR {
		out[i] = time.Duration(v) * time.Second / 1024
	}
	return out
}

// Decode parses a notification payload received at the given time.
func Decode(data []byte, at time.Time) (Reading, error) {
	if len(data) == 0 {
		return Reading{}, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	flags := data[0]
	offset := 1

	r := Reading{At: at, Contact: decodeContact(flags)}

	if flags&FlagValue16 != 0 {
		if err := need(data, offset, 2, "uint16 heart rate"); err != nil {
			return Reading{}, err
		}
		r.Value = binary.LittleEndian.Uint16(data[offset:])
		r.Wide = true
		offset += 2
	} else {
		if err := need(data, offset, 1, "uint8 heart rate"); err != nil {
			return Reading{}, err
		}
		r.Value = uint16(data[offset])
		offset++
	}

	if flags&FlagEnergy != 0 {
		if err := need(data, offset, 2, "energy expended"); err != nil {
			return Reading{}, err
		}
		r.HasEnergy = true
		r.Energy = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	}

	if flags&FlagRR != 0 {
		rest := data[offset:]
		if len(rest)%2 != 0 {
			return Reading{}, fmt.Errorf("%w: odd trailing byte in RR intervals (%d bytes)", ErrMalformedPayload, len(rest))
		}
		if len(rest) > 0 {
			r.RR = make([]uint16, 0, len(rest)/2)
			for i := 0; i < len(rest); i += 2 {
				r.RR = append(r.RR, binary.LittleEndian.Uint16(rest[i:]))
			}
		}
	}

	return r, nil
}

// Encode builds the payload for a reading. Values above 255 are always
// encoded as uint16.
func Encode(r Reading) []byte {
	var flags byte
	wide := r.Wide || r.Value > 0xff
	if wide {
		flags |= FlagValue16
	}
	switch r.Contact {
	case ContactNotDetected:
		flags |= FlagContactSupport
	case ContactDetected:
		flags |= FlagContactSupport | FlagContactStatus
	}
	if r.HasEnergy {
		flags |= FlagEnergy
	}
	if len(r.RR) > 0 {
		flags |= FlagRR
	}

	buf := []byte{flags}
	if wide {
		buf = binary.LittleEndian.AppendUint16(buf, r.Value)
	} else {
		buf = append(buf, byte(r.Value))
	}
	if r.HasEnergy {
		buf = binary.LittleEndian.AppendUint16(buf, r.Energy)
	}
	for _, v := range r.RR {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}

func decodeContact(flags byte) Contact {
	if flags&FlagContactSupport == 0 {
		return ContactUnsupported
	}
	if flags&FlagContactStatus != 0 {
		return ContactDetected
	}
	return ContactNotDetected
}

func need(data []byte, offset, n int, field string) error {
	if len(data)-offset < n {
		return fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d",
			ErrMalformedPayload, field, n, offset, len(data)-offset)
	}
	return nil
}
