// Package dbus is a client library for the D-Bus message protocol.
//
// # Wire encoding
//
// Unlike encoding/json-style libraries, this package does not use
// reflection to derive a wire encoding from arbitrary Go values.
// Every type that appears on the wire implements [Marshaler] and, if
// it can appear in an incoming message, [Unmarshaler]:
//
//	type Marshaler interface {
//	    SignatureDBus() Signature
//	    MarshalDBus(ctx context.Context, e *fragments.Encoder) error
//	}
//
//	type Unmarshaler interface {
//	    UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
//	}
//
// The basic DBus types (booleans, integers, floats, strings, object
// paths, signatures, and Unix file handles) already implement these
// interfaces through this package's own types ([ObjectPath],
// [Signature], [Handle]) or Go's built-ins, via the helpers in
// value.go. Structs, arrays and dictionaries are composed from these
// building blocks by hand: a struct type writes its fields in
// declaration order inside a [fragments.Encoder.StructStart] /
// matching read, an array type uses [fragments.Encoder.ArrayStart]
// and [MarshalArray] or a loop, and a dictionary is written the same
// way, as an array of dict entries each opened with StructStart.
//
// [Variant] holds a dynamically-typed value. Its own MarshalDBus and
// UnmarshalDBus use the engine in value.go to encode or decode
// whatever concrete value it wraps, which is also how this package
// delivers signal and property-change bodies ([Notification.Body])
// without requiring every possible signal shape to be registered in
// advance.
//
// # Connections
//
// [SystemBus] and [SessionBus] dial the well-known bus addresses and
// perform the SASL handshake and Hello call needed to obtain a
// client ID. [Conn.Peer] and [Object.Interface] build local handles
// for remote names, objects and interfaces; [Interface.Call] and
// [Interface.OneWay] invoke their methods. [Conn.Watch] and [Match]
// subscribe to signals and property changes; [Conn.Claim] manages
// ownership of a well-known bus name.
package dbus
