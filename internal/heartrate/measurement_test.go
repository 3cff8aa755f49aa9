package heartrate

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestDecode8BitNoContact(t *testing.T) {
	at := time.Unix(1700000000, 0)
	got, err := Decode([]byte{0x00, 0x4B}, at)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Value != 75 {
		t.Errorf("Value = %d, want 75", got.Value)
	}
	if got.Contact != ContactUnsupported {
		t.Errorf("Contact = %v, want unsupported", got.Contact)
	}
	if got.Wide || got.HasEnergy || got.RR != nil {
		t.Errorf("unexpected optional fields: %+v", got)
	}
	if !got.At.Equal(at) {
		t.Errorf("At = %v, want %v", got.At, at)
	}
}

func TestDecodeAllFields(t *testing.T) {
	// 16-bit value 300, contact detected, energy 0x0102, RR 1024 and 512.
	data := []byte{0x1F, 0x2C, 0x01, 0x02, 0x01, 0x00, 0x04, 0x00, 0x02}
	got, err := Decode(data, time.Time{})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := Reading{
		Value:     300,
		Wide:      true,
		HasEnergy: true,
		Energy:    0x0102,
		RR:        []uint16{1024, 512},
		Contact:   ContactDetected,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
	rr := got.RRIntervals()
	if len(rr) != 2 || rr[0] != time.Second || rr[1] != 500*time.Millisecond {
		t.Errorf("RRIntervals() = %v, want [1s 500ms]", rr)
	}
}

func TestDecodeContactStates(t *testing.T) {
	tests := []struct {
		flags byte
		want  Contact
	}{
		{0x00, ContactUnsupported},
		{0x02, ContactUnsupported}, // status bit without support bit
		{0x04, ContactNotDetected},
		{0x06, ContactDetected},
	}
	for _, tt := range tests {
		got, err := Decode([]byte{tt.flags, 60}, time.Time{})
		if err != nil {
			t.Fatalf("Decode(flags=0x%02x) error = %v", tt.flags, err)
		}
		if got.Contact != tt.want {
			t.Errorf("Decode(flags=0x%02x).Contact = %v, want %v", tt.flags, got.Contact, tt.want)
		}
	}
}

func TestDecodeRRFlagWithNoIntervals(t *testing.T) {
	got, err := Decode([]byte{0x10, 70}, time.Time{})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.RR) != 0 {
		t.Errorf("RR = %v, want empty", got.RR)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"flags only", []byte{0x00}},
		{"16-bit value truncated", []byte{0x01, 0x4B}},
		{"energy missing", []byte{0x08, 0x4B}},
		{"energy truncated", []byte{0x08, 0x4B, 0x01}},
		{"rr odd byte", []byte{0x10, 0x4B, 0x00, 0x04, 0x01}},
		{"everything declared nothing sent", []byte{0x19}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, time.Time{})
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Decode(%x) error = %v, want ErrMalformedPayload", tt.data, err)
			}
		})
	}
}

func TestDecodeTruncationNeverPanics(t *testing.T) {
	full := Encode(Reading{Value: 400, HasEnergy: true, Energy: 9, RR: []uint16{800, 900}, Contact: ContactDetected})
	for n := 0; n < len(full); n++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode(%x) panicked: %v", full[:n], r)
				}
			}()
			_, _ = Decode(full[:n], time.Time{})
		}()
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for flags := 0; flags < 0x20; flags++ {
		r := Reading{Value: 72, Contact: decodeContact(byte(flags))}
		if flags&FlagValue16 != 0 {
			r.Value = 1234
			r.Wide = true
		}
		if flags&FlagEnergy != 0 {
			r.HasEnergy = true
			r.Energy = 4321
		}
		if flags&FlagRR != 0 {
			r.RR = []uint16{1000, 1010, 990}
		}

		got, err := Decode(Encode(r), time.Time{})
		if err != nil {
			t.Fatalf("flags=0x%02x: Decode(Encode()) error = %v", flags, err)
		}
		if !reflect.DeepEqual(got, r) {
			t.Errorf("flags=0x%02x: round trip = %+v, want %+v", flags, got, r)
		}
	}
}

func TestEncodeWidensLargeValues(t *testing.T) {
	got := Encode(Reading{Value: 256})
	want := []byte{0x01, 0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(256) = %x, want %x", got, want)
	}
}
