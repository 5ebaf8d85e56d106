package dbus

import (
	"context"
	"fmt"

	"github.com/corvid/dbus/fragments"
)

// Variant is a value of any valid DBus type, used in APIs where a
// value's type is only known at runtime (property values, the
// PropertiesChanged signal, and anywhere else a signature includes
// "v").
//
// The Value field holds one of: a Go basic type (bool, byte, int16,
// uint16, int32, uint32, int64, uint64, float64, string), [ObjectPath],
// Signature, [Handle], another Variant, []any (a decoded array or
// struct), map[any]any (a decoded dict), or any type implementing
// [Marshaler] (for encoding only).
type Variant struct {
	Value any
}

func (v Variant) SignatureDBus() Signature { return variantSignature }

func (v Variant) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	sig, err := signatureOfValue(v.Value)
	if err != nil {
		return fmt.Errorf("marshaling variant: %w", err)
	}
	e.Signature(sig)
	return marshalBasic(ctx, e, v.Value)
}

func (v *Variant) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	sig, err := d.Signature()
	if err != nil {
		return fmt.Errorf("reading variant signature: %w", err)
	}
	val, err := unmarshalValue(ctx, d, sig)
	if err != nil {
		return fmt.Errorf("reading variant value (signature %q): %w", sig, err)
	}
	v.Value = val
	return nil
}
