package fragments

import (
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned by Decoder methods when the decoder's
// input is exhausted before a requested value could be fully read.
var ErrTruncated = errors.New("fragments: truncated message")

// FDSource resolves Unix file descriptor indices carried inline in a
// message body to the file descriptors that were passed out of band
// alongside it.
type FDSource interface {
	// Take returns the file descriptor at idx. If takeOwnership is
	// true, the source relinquishes responsibility for closing it.
	Take(idx uint32, takeOwnership bool) (uintptr, error)
}

// ArrayEnd is an opaque cursor position returned by Decoder.ArrayStart
// and consumed by Decoder.HasNext. It marks the absolute byte offset
// at which an array's elements end.
type ArrayEnd struct {
	elemAlign int
	end       int
}

// Decoder is a pull-style cursor over a byte slice, tracking the
// absolute offset from the start of the enclosing DBus message so
// that alignment padding is always computed correctly, including for
// values nested inside arrays and structs.
//
// A Decoder must not be used concurrently, and is cheap to construct:
// wrap a byte slice and go.
type Decoder struct {
	// Order is the byte order used to decode multi-byte values.
	Order ByteOrder
	// Fds resolves inline Unix fd indices to real file descriptors.
	// May be nil if the message carries no file descriptors.
	Fds FDSource

	buf    []byte
	offset int // absolute offset of buf[0] from the start of the message
}

// NewDecoder returns a Decoder reading buf, whose first byte is at
// absolute offset startOffset within the enclosing message.
func NewDecoder(order ByteOrder, buf []byte, startOffset int) *Decoder {
	return &Decoder{Order: order, buf: buf, offset: startOffset}
}

// Offset returns the decoder's current absolute offset within the
// message.
func (d *Decoder) Offset() int { return d.offset }

// Remaining reports how many unread bytes remain.
func (d *Decoder) Remaining() int { return len(d.buf) }

// Pad advances the cursor past padding bytes, if any are needed to
// reach a multiple of align. Padding bytes are not validated to be
// zero, per the DBus specification's tolerance for lenient receivers.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	return d.skip(align - extra)
}

func (d *Decoder) skip(n int) error {
	if len(d.buf) < n {
		return ErrTruncated
	}
	d.buf = d.buf[n:]
	d.offset += n
	return nil
}

// Read returns the next n bytes verbatim, with no padding or
// alignment applied. The returned slice aliases the decoder's buffer
// and is invalidated by the next call to Read or any other decoding
// method.
func (d *Decoder) Read(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, ErrTruncated
	}
	ret := d.buf[:n]
	d.buf = d.buf[n:]
	d.offset += n
	return ret, nil
}

// Uint8 reads a byte.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16, after aligning to a 2-byte boundary.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Int16 reads an int16, after aligning to a 2-byte boundary.
func (d *Decoder) Int16() (int16, error) {
	u, err := d.Uint16()
	return int16(u), err
}

// Uint32 reads a uint32, after aligning to a 4-byte boundary.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Int32 reads an int32, after aligning to a 4-byte boundary.
func (d *Decoder) Int32() (int32, error) {
	u, err := d.Uint32()
	return int32(u), err
}

// Uint64 reads a uint64, after aligning to an 8-byte boundary.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Int64 reads an int64, after aligning to an 8-byte boundary.
func (d *Decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u), err
}

// Float64 reads a double, after aligning to an 8-byte boundary.
func (d *Decoder) Float64() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Bool reads a DBus boolean, which is wire-encoded as a uint32. Per
// the DBus specification, only 0 is false; any other value (not just
// 1) is accepted as true.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	return u != 0, nil
}

// Bytes reads a DBus byte array: a uint32 length followed by that
// many bytes. The length prefix is aligned like any other uint32; the
// byte payload itself has no alignment requirement.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(n))
}

// String reads a DBus string or object path: a uint32 length, that
// many UTF-8 bytes, and a trailing nul. The nul is consumed but not
// included in the returned string. UTF-8 validity and object path
// grammar are not checked here; callers that need those guarantees
// must check them explicitly.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	return string(bs[:len(bs)-1]), nil
}

// Signature reads a DBus type signature: a single length byte, that
// many ASCII bytes, and a trailing nul.
func (d *Decoder) Signature() (Signature, error) {
	n, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	return Signature(bs[:len(bs)-1]), nil
}

// Handle reads a Unix file descriptor index and resolves it through
// Fds. If takeOwnership is true, the caller becomes responsible for
// closing the returned descriptor; otherwise it remains owned by
// whatever delivered the message, and is closed when that owner is
// done with it.
func (d *Decoder) Handle(takeOwnership bool) (uintptr, error) {
	idx, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if d.Fds == nil {
		return 0, fmt.Errorf("fragments: no file descriptors available to resolve handle %d", idx)
	}
	return d.Fds.Take(idx, takeOwnership)
}

// ArrayStart reads an array's length prefix and aligns to the
// element's alignment, returning an ArrayEnd to drive HasNext.
// containsStructs additionally pads to 8-byte struct alignment before
// measuring the array body, as required even for zero-length arrays
// of structs or dict entries.
func (d *Decoder) ArrayStart(elemAlign int, containsStructs bool) (ArrayEnd, error) {
	n, err := d.Uint32()
	if err != nil {
		return ArrayEnd{}, err
	}
	if containsStructs {
		if err := d.Pad(8); err != nil {
			return ArrayEnd{}, err
		}
	} else {
		if err := d.Pad(elemAlign); err != nil {
			return ArrayEnd{}, err
		}
	}
	return ArrayEnd{elemAlign: elemAlign, end: d.offset + int(n)}, nil
}

// HasNext aligns the cursor to the array's element alignment and
// reports whether another element remains before end.
func (d *Decoder) HasNext(end ArrayEnd) bool {
	extra := d.offset % end.elemAlign
	if extra != 0 {
		skip := end.elemAlign - extra
		if d.offset+skip >= end.end {
			return false
		}
		d.skip(skip)
	}
	return d.offset < end.end
}

// StructStart aligns the cursor to the 8-byte struct boundary. Dict
// entries use the same alignment and should also call StructStart.
func (d *Decoder) StructStart() error {
	return d.Pad(8)
}

// ByteOrderFlag reads the DBus byte-order marker byte ('l' or 'B') and
// sets d.Order to match.
func (d *Decoder) ByteOrderFlag() error {
	u, err := d.Uint8()
	if err != nil {
		return err
	}
	switch u {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("fragments: unknown byte order flag %q", u)
	}
	return nil
}
