package dbus

import (
	"context"
	"fmt"
	"os"

	"github.com/corvid/dbus/fragments"
)

const protocolVersion = 1

// Message is a zero-copy view over one whole DBus message frame: the
// parsed header plus the undecoded body bytes. Body() hands out a
// fresh Decoder each time, so a Message can be read more than once
// (for example, once by an observer and once by the pending-call
// waiter it also satisfies).
type Message struct {
	header header
	body   []byte
	fds    fragments.FDSource
}

// Type returns the message's type (call, return, error, or signal).
func (m *Message) Type() msgType { return m.header.Type }

// Serial returns the message's own serial number.
func (m *Message) Serial() uint32 { return m.header.Serial }

// ReplySerial returns the serial this message replies to, or 0 if
// this message is not a return or error.
func (m *Message) ReplySerial() uint32 { return m.header.ReplySerial }

// Path returns the object path a call targets, or a signal
// originates from.
func (m *Message) Path() ObjectPath { return m.header.Path }

// Interface returns the interface a call targets, or a signal
// originates from.
func (m *Message) Interface() string { return m.header.Interface }

// Member returns the method name of a call, or the signal name of a
// signal.
func (m *Message) Member() string { return m.header.Member }

// ErrName returns the error name of an error message.
func (m *Message) ErrName() string { return m.header.ErrName }

// Destination returns the message's destination client ID or
// well-known name, if any.
func (m *Message) Destination() string { return m.header.Destination }

// Sender returns the unique client ID of the message's sender, as
// stamped by the bus.
func (m *Message) Sender() string { return m.header.Sender }

// Signature returns the type signature of the message body.
func (m *Message) Signature() Signature { return m.header.Signature }

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool { return m.header.WantReply() }

// Body returns a fresh Decoder positioned at the start of the
// message's body.
func (m *Message) Body() *fragments.Decoder {
	d := fragments.NewDecoder(m.header.Order, m.body, 0)
	d.Fds = m.fds
	return d
}

// withSender returns a context carrying the Interface the message was
// sent from, for use by handlers and Unmarshalers that need to know
// their caller.
func (m *Message) withSender(ctx context.Context, sender Interface) context.Context {
	return withContextSender(ctx, sender)
}

// closeUnusedFDs closes any Unix file descriptors attached to the
// message that dispatch never claimed via Body()'s decoder. Call once
// a message has been fully dispatched and will not be read again.
func (m *Message) closeUnusedFDs() {
	if f, ok := m.fds.(*fileFDSource); ok {
		f.closeUnused()
	}
}

func align8(n int) int {
	if extra := n % 8; extra != 0 {
		return n + (8 - extra)
	}
	return n
}

// TryReadMessage attempts to parse one whole DBus message frame from
// the front of buf. It returns the parsed message and the number of
// bytes consumed. If buf does not yet hold a complete frame, it
// returns a nil message and zero consumed bytes with no error: the
// caller should read more data and try again. A malformed prologue
// (unrecognized byte order mark, message type 0, or an unsupported
// protocol version) fails closed with a [ProtocolError].
//
// fds, if non-nil, is attached to the returned Message's body decoder
// so that Unix file descriptor indices in the body can be resolved.
func TryReadMessage(buf []byte, fds fragments.FDSource) (msg *Message, consumed int, err error) {
	const prologueLen = 12
	if len(buf) < prologueLen {
		return nil, 0, nil
	}

	var order fragments.ByteOrder
	switch buf[0] {
	case 'l':
		order = fragments.LittleEndian
	case 'B':
		order = fragments.BigEndian
	default:
		return nil, 0, ProtocolError{Reason: "unrecognized byte order mark"}
	}
	if buf[1] == 0 {
		return nil, 0, ProtocolError{Reason: "message type 0"}
	}
	if buf[3] != protocolVersion {
		return nil, 0, ProtocolError{Reason: "unsupported protocol version"}
	}

	peek := fragments.NewDecoder(order, buf[4:], 4)
	bodyLen, err := peek.Uint32()
	if err != nil {
		return nil, 0, nil
	}
	_, err = peek.Uint32() // serial, re-read below
	if err != nil {
		return nil, 0, nil
	}
	fieldsLen, err := peek.Uint32()
	if err != nil {
		return nil, 0, nil
	}

	// The field array starts after the prologue and its own u32 length.
	headerEnd := align8(prologueLen + 4 + int(fieldsLen))
	total := headerEnd + int(bodyLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	d := fragments.NewDecoder(order, buf[:total], 0)
	if err := d.ByteOrderFlag(); err != nil {
		return nil, 0, ProtocolError{Reason: err.Error()}
	}
	var h header
	if err := h.UnmarshalDBus(context.Background(), d); err != nil {
		return nil, 0, ProtocolError{Reason: err.Error()}
	}
	if d.Offset() != headerEnd {
		return nil, 0, ProtocolError{Reason: "header field array length did not match declared frame layout"}
	}

	return &Message{
		header: h,
		body:   buf[headerEnd:total],
		fds:    fds,
	}, total, nil
}

// fileFDSource resolves inline Unix fd indices against the files a
// transport read alongside a message's bytes.
type fileFDSource struct {
	files []*os.File
}

func (f *fileFDSource) Take(idx uint32, takeOwnership bool) (uintptr, error) {
	if int(idx) >= len(f.files) || f.files[idx] == nil {
		return 0, fmt.Errorf("dbus: fd index %d not available", idx)
	}
	fd := f.files[idx].Fd()
	if takeOwnership {
		f.files[idx] = nil
	}
	return fd, nil
}

// closeUnused closes any files that UnmarshalDBus never claimed, so a
// message whose body only decodes some of its fds doesn't leak the
// rest.
func (f *fileFDSource) closeUnused() {
	for _, file := range f.files {
		if file != nil {
			file.Close()
		}
	}
}
