package dbus

import (
	"context"
	"fmt"

	"github.com/corvid/dbus/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

// headerField identifies a DBus message header field.
type headerField byte

// Header field codes, as assigned by the DBus specification.
const (
	fieldPath headerField = iota + 1
	fieldInterface
	fieldMember
	fieldErrName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldNumFDs
)

// header is a DBus message header: the 12-byte fixed prologue plus
// the variable-length array of header fields.
type header struct {
	// Order is the message's byte order mark.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version.
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for msgTypeCall and msgTypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for msgTypeCall and
	// msgTypeSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for msgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the target for a message. Required for
	// msgTypeCall; optional for the other message types.
	Destination string
	// Sender is the client ID of the message sender. The message
	// bus populates this value itself; any sent value is ignored
	// and removed.
	Sender string
	// Signature is the type signature of the message body. Absent
	// (empty) if the message carries no body.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32

	// Unknown collects header fields this implementation doesn't
	// recognize, keyed by field code. Present so that a lenient
	// reader never has to reject a message merely for carrying an
	// extension field.
	Unknown map[uint8]Variant
}

// MarshalDBus writes the header's 12-byte prologue and field array,
// then pads to the 8-byte struct boundary the body must start at.
func (h *header) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.Order = h.Order
	e.ByteOrderFlag()
	e.Uint8(byte(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(h.Version)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)

	start := e.ArrayStart(8, true)
	if h.Path != "" {
		if err := h.marshalField(ctx, e, byte(fieldPath), h.Path); err != nil {
			return err
		}
	}
	if h.Interface != "" {
		if err := h.marshalField(ctx, e, byte(fieldInterface), h.Interface); err != nil {
			return err
		}
	}
	if h.Member != "" {
		if err := h.marshalField(ctx, e, byte(fieldMember), h.Member); err != nil {
			return err
		}
	}
	if h.ErrName != "" {
		if err := h.marshalField(ctx, e, byte(fieldErrName), h.ErrName); err != nil {
			return err
		}
	}
	if h.ReplySerial != 0 {
		if err := h.marshalField(ctx, e, byte(fieldReplySerial), h.ReplySerial); err != nil {
			return err
		}
	}
	if h.Destination != "" {
		if err := h.marshalField(ctx, e, byte(fieldDestination), h.Destination); err != nil {
			return err
		}
	}
	if h.Sender != "" {
		if err := h.marshalField(ctx, e, byte(fieldSender), h.Sender); err != nil {
			return err
		}
	}
	if h.Signature != "" {
		if err := h.marshalField(ctx, e, byte(fieldSignature), h.Signature); err != nil {
			return err
		}
	}
	if h.NumFDs != 0 {
		if err := h.marshalField(ctx, e, byte(fieldNumFDs), h.NumFDs); err != nil {
			return err
		}
	}
	e.ArrayEnd(start)
	e.Pad(8)
	return nil
}

func (h *header) marshalField(ctx context.Context, e *fragments.Encoder, code byte, v any) error {
	e.StructStart()
	e.Uint8(code)
	return Variant{v}.MarshalDBus(ctx, e)
}

// UnmarshalDBus reads the header's 12-byte prologue and field array.
// The caller is expected to already have consumed the leading byte
// order mark via d.ByteOrderFlag, since the decoder needs that to
// interpret every multi-byte value that follows, including the rest
// of this struct.
func (h *header) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	h.Order = d.Order

	t, err := d.Uint8()
	if err != nil {
		return err
	}
	h.Type = msgType(t)

	if h.Flags, err = d.Uint8(); err != nil {
		return err
	}
	if h.Version, err = d.Uint8(); err != nil {
		return err
	}
	if h.Length, err = d.Uint32(); err != nil {
		return err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return err
	}

	end, err := d.ArrayStart(8, true)
	if err != nil {
		return err
	}
	for d.HasNext(end) {
		if err := d.StructStart(); err != nil {
			return err
		}
		code, err := d.Uint8()
		if err != nil {
			return err
		}
		var v Variant
		if err := v.UnmarshalDBus(ctx, d); err != nil {
			return fmt.Errorf("reading header field %d: %w", code, err)
		}
		if err := h.setField(code, v); err != nil {
			return err
		}
	}
	return d.Pad(8)
}

func (h *header) setField(code byte, v Variant) error {
	switch headerField(code) {
	case fieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return fmt.Errorf("header field Path has wrong type %T", v.Value)
		}
		h.Path = p
	case fieldInterface:
		s, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("header field Interface has wrong type %T", v.Value)
		}
		h.Interface = s
	case fieldMember:
		s, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("header field Member has wrong type %T", v.Value)
		}
		h.Member = s
	case fieldErrName:
		s, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("header field ErrName has wrong type %T", v.Value)
		}
		h.ErrName = s
	case fieldReplySerial:
		u, ok := v.Value.(uint32)
		if !ok {
			return fmt.Errorf("header field ReplySerial has wrong type %T", v.Value)
		}
		h.ReplySerial = u
	case fieldDestination:
		s, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("header field Destination has wrong type %T", v.Value)
		}
		h.Destination = s
	case fieldSender:
		s, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("header field Sender has wrong type %T", v.Value)
		}
		h.Sender = s
	case fieldSignature:
		sig, ok := v.Value.(Signature)
		if !ok {
			return fmt.Errorf("header field Signature has wrong type %T", v.Value)
		}
		h.Signature = sig
	case fieldNumFDs:
		u, ok := v.Value.(uint32)
		if !ok {
			return fmt.Errorf("header field NumFDs has wrong type %T", v.Value)
		}
		h.NumFDs = u
	default:
		if h.Unknown == nil {
			h.Unknown = map[uint8]Variant{}
		}
		h.Unknown[code] = v
	}
	return nil
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
		if h.Destination == "" {
			return fmt.Errorf("missing required header field Destination")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the spec requires us to
		// gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&0x1 == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt, if the sender lacks
// the necessary privileges for the message, and the bus or
// destination wish to trigger an interactive prompt.
func (h header) CanInteract() bool {
	return h.Type == msgTypeCall && h.Flags&0x4 != 0
}
