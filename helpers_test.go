package dbus

import (
	"context"

	"github.com/corvid/dbus/fragments"
)

// Simple is a hand-written Marshaler/Unmarshaler over a small struct,
// used as a fixture for variant and value round-trip tests.
type Simple struct {
	A int16
	B bool
}

func (s Simple) SignatureDBus() Signature { return mustParseSignature("(nb)") }

func (s Simple) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.StructStart()
	e.Int16(s.A)
	e.Bool(s.B)
	return nil
}

func (s *Simple) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	if err := d.StructStart(); err != nil {
		return err
	}
	a, err := d.Int16()
	if err != nil {
		return err
	}
	b, err := d.Bool()
	if err != nil {
		return err
	}
	s.A, s.B = a, b
	return nil
}

// Uint16s is a hand-written Marshaler/Unmarshaler over []uint16, used
// as a fixture for variant array tests.
type Uint16s []uint16

func (u Uint16s) SignatureDBus() Signature { return mustParseSignature("aq") }

func (u Uint16s) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	start := e.ArrayStart(2, false)
	for _, v := range u {
		e.Uint16(v)
	}
	e.ArrayEnd(start)
	return nil
}

func (u *Uint16s) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	end, err := d.ArrayStart(2, false)
	if err != nil {
		return err
	}
	var out []uint16
	for d.HasNext(end) {
		v, err := d.Uint16()
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*u = out
	return nil
}
