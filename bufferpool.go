package dbus

import (
	"sync"

	"github.com/corvid/dbus/fragments"
)

// maxPooledBuffers caps how many idle messageBuffers are kept around.
// Past this, released buffers are simply dropped for the garbage
// collector to reclaim, rather than growing the pool unboundedly
// during a burst of large messages.
const maxPooledBuffers = 16

// messageBuffer is the reusable scratch space for encoding one
// outbound message: an Encoder plus the list of fds it collects along
// the way.
type messageBuffer struct {
	enc fragments.Encoder
	fds *outgoingFds
}

func (b *messageBuffer) reset() {
	b.enc.Out = b.enc.Out[:0]
	b.fds.reset()
	b.enc.Fds = b.fds
}

// bufferPool is a small bounded free list of messageBuffers, used to
// amortize the allocation of the outbound encode buffer across calls.
type bufferPool struct {
	mu   sync.Mutex
	free []*messageBuffer
}

func (p *bufferPool) rent() *messageBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		b.reset()
		return b
	}
	b := &messageBuffer{fds: &outgoingFds{}}
	b.enc.Fds = b.fds
	return b
}

func (p *bufferPool) release(b *messageBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= maxPooledBuffers {
		return
	}
	p.free = append(p.free, b)
}

// outgoingFds collects the file descriptors an outbound message's
// body refers to, in the order they're encountered while encoding, so
// the transport can attach them to the frame's ancillary data in the
// same order the inline indices expect.
type outgoingFds struct {
	fds []uintptr
}

func (f *outgoingFds) Put(fd uintptr) (uint32, error) {
	f.fds = append(f.fds, fd)
	return uint32(len(f.fds) - 1), nil
}

func (f *outgoingFds) reset() {
	f.fds = f.fds[:0]
}
