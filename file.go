package dbus

import (
	"context"
	"errors"
	"os"

	"github.com/corvid/dbus/fragments"
)

// Handle is a Unix file descriptor sent or received over the bus.
//
// Unlike the other basic DBus types, a Handle's wire representation
// is not self-contained: the index written inline in the message body
// refers to a file descriptor passed out of band over the transport's
// ancillary data channel. [fragments.Encoder] and [fragments.Decoder]
// resolve that indirection through their Fds field, so Handle itself
// never sees the index, only the file descriptor it refers to.
type Handle struct {
	file *os.File
}

// NewHandle wraps f as an outgoing DBus file descriptor. The Handle
// takes ownership of f.
func NewHandle(f *os.File) Handle { return Handle{file: f} }

func newHandle(fd uintptr) Handle { return Handle{file: os.NewFile(fd, "dbus-fd")} }

// File returns the underlying file, or nil if the Handle was never
// populated (for example, a zero Handle).
func (h Handle) File() *os.File { return h.file }

func (h Handle) fd() (uintptr, error) {
	if h.file == nil {
		return 0, errors.New("dbus: cannot send empty Handle")
	}
	return h.file.Fd(), nil
}

func (h Handle) SignatureDBus() Signature { return mustParseSignature("h") }

func (h Handle) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	fd, err := h.fd()
	if err != nil {
		return err
	}
	return e.Handle(fd)
}

func (h *Handle) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	fd, err := d.Handle(true)
	if err != nil {
		return err
	}
	*h = newHandle(fd)
	return nil
}
