package dbus

import (
	"context"
	"fmt"

	"github.com/corvid/dbus/fragments"
)

// encodeBody writes body to e and reports its signature. body may be
// nil (no body), a [Marshaler], or one of the basic Go types
// marshalBasic accepts.
func encodeBody(ctx context.Context, e *fragments.Encoder, body any) (Signature, error) {
	if body == nil {
		return "", nil
	}
	sig, err := signatureOfValue(body)
	if err != nil {
		return "", err
	}
	if err := marshalBasic(ctx, e, body); err != nil {
		return "", err
	}
	return sig, nil
}

// decodeInto decodes the body in d, of signature sig, into response.
// response may be nil (discard the body), an [Unmarshaler], or a
// pointer to one of the types [assignDecoded] knows how to populate
// from a dynamically-decoded value.
func decodeInto(ctx context.Context, d *fragments.Decoder, sig Signature, response any) error {
	if response == nil {
		return nil
	}
	if u, ok := response.(Unmarshaler); ok {
		return u.UnmarshalDBus(ctx, d)
	}
	toks, err := sig.Tokens()
	if err != nil {
		return err
	}
	if len(toks) != 1 {
		return fmt.Errorf("dbus: cannot decode body of signature %q into %T", sig, response)
	}
	v, err := unmarshalToken(ctx, d, toks[0])
	if err != nil {
		return err
	}
	return assignDecoded(v, response)
}

// assignDecoded stores a dynamically-decoded value v into dst, a
// pointer to one of the Go types this package's wire values decode
// to. It exists so that simple method calls (a string in, a uint32
// out) don't require callers to write a one-off [Unmarshaler].
func assignDecoded(v any, dst any) error {
	switch p := dst.(type) {
	case *any:
		*p = v
		return nil
	case *bool:
		x, ok := v.(bool)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected bool")
		}
		*p = x
	case *byte:
		x, ok := v.(byte)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected byte")
		}
		*p = x
	case *int16:
		x, ok := v.(int16)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected int16")
		}
		*p = x
	case *uint16:
		x, ok := v.(uint16)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected uint16")
		}
		*p = x
	case *int32:
		x, ok := v.(int32)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected int32")
		}
		*p = x
	case *uint32:
		x, ok := v.(uint32)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected uint32")
		}
		*p = x
	case *int64:
		x, ok := v.(int64)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected int64")
		}
		*p = x
	case *uint64:
		x, ok := v.(uint64)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected uint64")
		}
		*p = x
	case *float64:
		x, ok := v.(float64)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected float64")
		}
		*p = x
	case *string:
		x, ok := v.(string)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected string")
		}
		*p = x
	case *ObjectPath:
		x, ok := v.(ObjectPath)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected ObjectPath")
		}
		*p = x
	case *Signature:
		x, ok := v.(Signature)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected Signature")
		}
		*p = x
	case *Handle:
		x, ok := v.(Handle)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected Handle")
		}
		*p = x
	case *[]string:
		arr, ok := v.([]any)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected array")
		}
		ss := make([]string, 0, len(arr))
		for _, elem := range arr {
			s, ok := elem.(string)
			if !ok {
				return typeErr(fmt.Sprintf("%T", elem), "expected string element")
			}
			ss = append(ss, s)
		}
		*p = ss
	case *map[string]any:
		m, ok := v.(map[any]any)
		if !ok {
			return typeErr(fmt.Sprintf("%T", v), "expected dict")
		}
		mm := make(map[string]any, len(m))
		for k, vv := range m {
			ks, ok := k.(string)
			if !ok {
				return typeErr(fmt.Sprintf("%T", k), "expected string key")
			}
			if variant, ok := vv.(Variant); ok {
				vv = variant.Value
			}
			mm[ks] = vv
		}
		*p = mm
	default:
		return typeErr(fmt.Sprintf("%T", dst), "not a supported DBus response target")
	}
	return nil
}
