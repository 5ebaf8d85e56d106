package dbus

import (
	"context"
	"fmt"

	"github.com/corvid/dbus/fragments"
)

// Marshaler is implemented by types that know how to encode
// themselves to the DBus wire format.
//
// SignatureDBus reports the DBus type the value encodes as.
// MarshalDBus must write exactly the bytes required by that
// signature, in the order required by the DBus alignment rules; the
// [fragments.Encoder] handles the bookkeeping.
type Marshaler interface {
	SignatureDBus() Signature
	MarshalDBus(ctx context.Context, e *fragments.Encoder) error
}

// Unmarshaler is implemented by types that know how to decode
// themselves from the DBus wire format. UnmarshalDBus must consume
// exactly the bytes that correspond to the value's DBus type; callers
// are expected to already know that type from context (a method's
// declared signature, a struct field, and so on).
type Unmarshaler interface {
	UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
}

// elemAlign returns the alignment of the type described by tok, for
// use when reserving or measuring an array body.
func elemAlign(tok fragments.Token) int {
	if tok.Code == fragments.TypeStructOpen || tok.Code == fragments.TypeDictOpen {
		return 8
	}
	return fragments.Align(tok.Code)
}

func elemIsStructlike(tok fragments.Token) bool {
	return tok.Code == fragments.TypeStructOpen || tok.Code == fragments.TypeDictOpen
}

// marshalBasic writes v, one of the fixed set of types DBus calls
// "basic" plus [Signature] and [Handle], to e.
//
// It backs the request/response body encoding in encodeBody and the
// dynamic encoding used by [Variant].
func marshalBasic(ctx context.Context, e *fragments.Encoder, v any) error {
	switch x := v.(type) {
	case bool:
		e.Bool(x)
	case byte:
		e.Uint8(x)
	case int16:
		e.Int16(x)
	case uint16:
		e.Uint16(x)
	case int32:
		e.Int32(x)
	case uint32:
		e.Uint32(x)
	case int64:
		e.Int64(x)
	case uint64:
		e.Uint64(x)
	case float64:
		e.Float64(x)
	case string:
		e.String(x)
	case ObjectPath:
		if err := x.Validate(); err != nil {
			return err
		}
		e.String(string(x))
	case Signature:
		e.Signature(x)
	case Handle:
		fd, err := x.fd()
		if err != nil {
			return err
		}
		return e.Handle(fd)
	case Marshaler:
		return x.MarshalDBus(ctx, e)
	default:
		return typeErr(fmt.Sprintf("%T", v), "not a DBus basic type and does not implement Marshaler")
	}
	return nil
}

// signatureOfValue reports the DBus signature of v, for the same set
// of types marshalBasic accepts. It backs [Variant]'s encoding, where
// the wire signature must be derived from the dynamic type of the
// value being wrapped.
func signatureOfValue(v any) (Signature, error) {
	switch x := v.(type) {
	case bool:
		return mustParseSignature("b"), nil
	case byte:
		return mustParseSignature("y"), nil
	case int16:
		return mustParseSignature("n"), nil
	case uint16:
		return mustParseSignature("q"), nil
	case int32:
		return mustParseSignature("i"), nil
	case uint32:
		return mustParseSignature("u"), nil
	case int64:
		return mustParseSignature("x"), nil
	case uint64:
		return mustParseSignature("t"), nil
	case float64:
		return mustParseSignature("d"), nil
	case string:
		return mustParseSignature("s"), nil
	case ObjectPath:
		return mustParseSignature("o"), nil
	case Signature:
		return mustParseSignature("g"), nil
	case Handle:
		return mustParseSignature("h"), nil
	case Marshaler:
		return x.SignatureDBus(), nil
	default:
		return "", typeErr(fmt.Sprintf("%T", v), "not a DBus basic type and does not implement Marshaler")
	}
}

// unmarshalValue decodes the value described by sig from d, returning
// it as one of: the matching Go basic type, [ObjectPath], [Signature],
// [Handle], [Variant], []any (array or struct), or map[any]any (dict).
//
// This is the engine behind [Variant] and behind generic signal and
// property-change dispatch, where the wire type is known only at
// runtime from the message itself.
func unmarshalValue(ctx context.Context, d *fragments.Decoder, sig Signature) (any, error) {
	tok, _, err := sig.Next(false)
	if err != nil {
		return nil, err
	}
	return unmarshalToken(ctx, d, tok)
}

func unmarshalToken(ctx context.Context, d *fragments.Decoder, tok fragments.Token) (any, error) {
	switch tok.Code {
	case fragments.TypeByte:
		return d.Uint8()
	case fragments.TypeBool:
		return d.Bool()
	case fragments.TypeInt16:
		return d.Int16()
	case fragments.TypeUint16:
		return d.Uint16()
	case fragments.TypeInt32:
		return d.Int32()
	case fragments.TypeUint32:
		return d.Uint32()
	case fragments.TypeInt64:
		return d.Int64()
	case fragments.TypeUint64:
		return d.Uint64()
	case fragments.TypeFloat64:
		return d.Float64()
	case fragments.TypeString:
		return d.String()
	case fragments.TypeObjectPath:
		s, err := d.String()
		return ObjectPath(s), err
	case fragments.TypeSignature:
		return d.Signature()
	case fragments.TypeUnixFD:
		fd, err := d.Handle(false)
		if err != nil {
			return nil, err
		}
		return newHandle(fd), nil
	case fragments.TypeVariant:
		var v Variant
		if err := v.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		return v, nil
	case fragments.TypeArray:
		return unmarshalArrayToken(ctx, d, tok)
	case fragments.TypeStructOpen:
		return unmarshalStructToken(ctx, d, tok)
	default:
		return nil, fmt.Errorf("dbus: cannot dynamically decode type code %q", tok.Code)
	}
}

func unmarshalArrayToken(ctx context.Context, d *fragments.Decoder, tok fragments.Token) (any, error) {
	elemTok, _, err := tok.Inner.Next(true)
	if err != nil {
		return nil, err
	}
	if elemTok.Code == fragments.TypeDictOpen {
		keyTok, rest, err := elemTok.Inner.Next(false)
		if err != nil {
			return nil, err
		}
		valTok, _, err := rest.Next(false)
		if err != nil {
			return nil, err
		}
		end, err := d.ArrayStart(8, true)
		if err != nil {
			return nil, err
		}
		m := map[any]any{}
		for d.HasNext(end) {
			if err := d.StructStart(); err != nil {
				return nil, err
			}
			k, err := unmarshalToken(ctx, d, keyTok)
			if err != nil {
				return nil, err
			}
			v, err := unmarshalToken(ctx, d, valTok)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	}

	end, err := d.ArrayStart(elemAlign(elemTok), elemIsStructlike(elemTok))
	if err != nil {
		return nil, err
	}
	var ret []any
	for d.HasNext(end) {
		v, err := unmarshalToken(ctx, d, elemTok)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func unmarshalStructToken(ctx context.Context, d *fragments.Decoder, tok fragments.Token) (any, error) {
	if err := d.StructStart(); err != nil {
		return nil, err
	}
	toks, err := tok.Inner.Tokens()
	if err != nil {
		return nil, err
	}
	ret := make([]any, 0, len(toks))
	for _, t := range toks {
		v, err := unmarshalToken(ctx, d, t)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// decodeBody dynamically decodes the whole body of msg: nil if the
// body is empty, the single decoded value if the signature has
// exactly one top-level type, or []any of the decoded values
// otherwise. It's used to turn a signal or call body into a
// [Notification.Body] without requiring a registered Go type for
// every signal the bus might deliver.
func decodeBody(ctx context.Context, msg *Message) (any, error) {
	toks, err := msg.Signature().Tokens()
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	d := msg.Body()
	if len(toks) == 1 {
		return unmarshalToken(ctx, d, toks[0])
	}
	vals := make([]any, 0, len(toks))
	for _, tok := range toks {
		v, err := unmarshalToken(ctx, d, tok)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// skipValue reads and discards the value described by tok from d.
func skipValue(ctx context.Context, d *fragments.Decoder, tok fragments.Token) error {
	_, err := unmarshalToken(ctx, d, tok)
	return err
}

// MarshalArray writes elems as a DBus array, using marshal to encode
// each element. elemSig is the element's signature, used to derive
// alignment and struct framing.
func MarshalArray[T any](ctx context.Context, e *fragments.Encoder, elemSig Signature, elems []T, marshal func(context.Context, *fragments.Encoder, T) error) error {
	tok, _, err := elemSig.Next(true)
	if err != nil {
		return err
	}
	start := e.ArrayStart(elemAlign(tok), elemIsStructlike(tok))
	for _, v := range elems {
		if err := marshal(ctx, e, v); err != nil {
			return err
		}
	}
	e.ArrayEnd(start)
	return nil
}

// UnmarshalArray reads a DBus array from d, using unmarshal to decode
// each element.
func UnmarshalArray[T any](ctx context.Context, d *fragments.Decoder, elemSig Signature, unmarshal func(context.Context, *fragments.Decoder) (T, error)) ([]T, error) {
	tok, _, err := elemSig.Next(true)
	if err != nil {
		return nil, err
	}
	end, err := d.ArrayStart(elemAlign(tok), elemIsStructlike(tok))
	if err != nil {
		return nil, err
	}
	var ret []T
	for d.HasNext(end) {
		v, err := unmarshal(ctx, d)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// MarshalStrings writes ss as a DBus array of strings ("as").
func MarshalStrings(e *fragments.Encoder, ss []string) {
	start := e.ArrayStart(4, false)
	for _, s := range ss {
		e.String(s)
	}
	e.ArrayEnd(start)
}

// UnmarshalStrings reads a DBus array of strings ("as") from d.
func UnmarshalStrings(d *fragments.Decoder) ([]string, error) {
	end, err := d.ArrayStart(4, false)
	if err != nil {
		return nil, err
	}
	var ret []string
	for d.HasNext(end) {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}
