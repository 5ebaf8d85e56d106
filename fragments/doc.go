// Package fragments provides the low-level wire codec for the DBus
// protocol: the type signature grammar, the alignment table, and a
// builder-style encoder/decoder pair.
//
// The encoder and decoder are low level tools and do not by themselves
// ensure that a whole message is well-formed; they guarantee only that
// the bytes each call produces or consumes obey DBus alignment and
// framing rules.
//
// You should not need to use this package at all, unless you are
// writing your own [github.com/corvid/dbus.Marshaler] or
// [github.com/corvid/dbus.Unmarshaler], in which case your code will
// be handed an [Encoder] or [Decoder] and is expected to produce or
// consume correct DBus wire data with it.
package fragments
