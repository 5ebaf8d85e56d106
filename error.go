package dbus

import "fmt"

// TypeError is the error returned when a Go value cannot be
// represented in the DBus wire format, or when a received value
// doesn't match what a caller asked for.
type TypeError struct {
	// Type is a description of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(typeDesc string, reason string, args ...any) error {
	return TypeError{typeDesc, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// AddressError is returned when a DBus server address string is
// malformed or names an unsupported transport.
type AddressError struct {
	// Address is the offending address (or address list entry).
	Address string
	// Reason is an explanation of what's wrong with the address.
	Reason error
}

func (e AddressError) Error() string {
	return fmt.Sprintf("invalid dbus address %q: %s", e.Address, e.Reason)
}

func (e AddressError) Unwrap() error {
	return e.Reason
}

// AuthError is returned when the SASL authentication handshake with a
// server fails.
type AuthError struct {
	// Reason is an explanation of why authentication did not succeed.
	Reason string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("dbus authentication failed: %s", e.Reason)
}

// ProtocolError is returned when a peer sends bytes that don't parse
// as a well-formed DBus message frame.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("dbus protocol error: %s", e.Reason)
}
