package fragments

import "math"

// FDSink accepts a Unix file descriptor to be sent alongside a
// message and returns the inline index the wire encoding should use
// to refer to it.
type FDSink interface {
	Put(fd uintptr) (idx uint32, err error)
}

// ArrayStart is an opaque cursor returned by Encoder.ArrayStart and
// consumed by Encoder.ArrayEnd to back-patch the array's length.
type ArrayStart struct {
	lengthOffset int
	bodyOffset   int
}

// Encoder is a push-style builder that accumulates a DBus wire
// encoding into a byte slice, a value at a time. Every write method
// inserts whatever padding is required to keep the output correctly
// aligned.
type Encoder struct {
	// Order is the byte order used to encode multi-byte values.
	Order ByteOrder
	// Fds collects Unix file descriptors written with Handle. May be
	// nil if the message will carry none.
	Fds FDSink
	// Out is the output accumulated so far.
	Out []byte
}

// Pad appends zero bytes, if needed, to bring len(e.Out) to a
// multiple of align.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var zero [8]byte
	e.Out = append(e.Out, zero[:align-extra]...)
}

// Write appends bs verbatim, with no padding or framing. It is the
// caller's responsibility to ensure correct alignment.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Uint8 appends a byte.
func (e *Encoder) Uint8(v uint8) {
	e.Out = append(e.Out, v)
}

// Uint16 appends a uint16, after padding to a 2-byte boundary.
func (e *Encoder) Uint16(v uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, v)
}

// Int16 appends an int16, after padding to a 2-byte boundary.
func (e *Encoder) Int16(v int16) { e.Uint16(uint16(v)) }

// Uint32 appends a uint32, after padding to a 4-byte boundary.
func (e *Encoder) Uint32(v uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, v)
}

// Int32 appends an int32, after padding to a 4-byte boundary.
func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

// Uint64 appends a uint64, after padding to an 8-byte boundary.
func (e *Encoder) Uint64(v uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, v)
}

// Int64 appends an int64, after padding to an 8-byte boundary.
func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

// Float64 appends a double, after padding to an 8-byte boundary.
func (e *Encoder) Float64(v float64) { e.Uint64(math.Float64bits(v)) }

// Bool appends a DBus boolean, wire-encoded as a uint32 0 or 1.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// Bytes appends a DBus byte array: a uint32 length followed by bs
// verbatim.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String appends a DBus string or object path: a uint32 length, the
// UTF-8 bytes of s, and a trailing nul.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature appends a DBus type signature: a single length byte, the
// ASCII bytes of sig, and a trailing nul.
func (e *Encoder) Signature(sig Signature) {
	e.Uint8(uint8(len(sig)))
	e.Out = append(e.Out, sig...)
	e.Out = append(e.Out, 0)
}

// Handle appends a Unix file descriptor, recording it with Fds and
// writing its assigned inline index.
func (e *Encoder) Handle(fd uintptr) error {
	idx, err := e.Fds.Put(fd)
	if err != nil {
		return err
	}
	e.Uint32(idx)
	return nil
}

// ArrayStart pads to a 4-byte boundary, reserves the length slot, and
// pads to elemAlign (or to 8, for arrays of structs or dict entries,
// per the DBus specification's requirement that an array's structure
// padding appear even when the array is empty). The caller must
// follow with one call to ArrayEnd per ArrayStart, with every element
// written in between.
func (e *Encoder) ArrayStart(elemAlign int, containsStructs bool) ArrayStart {
	e.Pad(4)
	lengthOffset := len(e.Out)
	e.Uint32(0)
	if containsStructs {
		e.Pad(8)
	} else {
		e.Pad(elemAlign)
	}
	return ArrayStart{lengthOffset: lengthOffset, bodyOffset: len(e.Out)}
}

// ArrayEnd back-patches the length field reserved by the matching
// ArrayStart with the number of bytes written since.
func (e *Encoder) ArrayEnd(start ArrayStart) {
	n := uint32(len(e.Out) - start.bodyOffset)
	e.Order.PutUint32(e.Out[start.lengthOffset:], n)
}

// StructStart pads to the 8-byte struct boundary. Dict entries use the
// same alignment and should also call StructStart.
func (e *Encoder) StructStart() { e.Pad(8) }

// ByteOrderFlag appends the DBus byte-order marker byte ('l' or 'B')
// matching e.Order.
func (e *Encoder) ByteOrderFlag() { e.Write([]byte{e.Order.dbusFlag()}) }
