package dbus

import "github.com/corvid/dbus/fragments"

// Signature is a DBus type signature, e.g. "a{sv}" or "(ii)".
//
// Signature is an alias of [fragments.Signature]: the grammar,
// validation, and token-walking logic live in fragments since they're
// needed by the wire codec itself. This package adds the handful of
// signatures well-known bus messages use.
type Signature = fragments.Signature

// ParseSignature parses and validates s as a DBus type signature.
func ParseSignature(s string) (Signature, error) {
	sig := Signature(s)
	if err := sig.Validate(); err != nil {
		return "", err
	}
	return sig, nil
}

// mustParseSignature parses s as a DBus type signature, and panics if
// s is malformed. It exists for use with compile-time-known constant
// signatures.
func mustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

var variantSignature = mustParseSignature("v")
