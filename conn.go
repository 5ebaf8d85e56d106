package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/corvid/dbus/fragments"
	"github.com/corvid/dbus/transport"
)

// interfaceMember identifies a method, or a handler for one, by its
// interface and member name.
type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// HandlerFunc implements one method of one interface exported by a
// [Conn].
//
// req is positioned at the start of the call's body, with reqSig the
// signature of that body; handlers that take no arguments can ignore
// both. The returned value is encoded into the method reply using the
// same rules as a [Conn.call] request body: nil, a [Marshaler], or
// one of the basic Go types [marshalBasic] accepts.
type HandlerFunc func(ctx context.Context, obj ObjectPath, req *fragments.Decoder, reqSig Signature) (resp any, err error)

// DecodeRequest decodes a method call's request body into dst, using
// the same rules [Interface.Call] uses to decode a response: dst may
// be an [Unmarshaler] or a pointer to one of the types
// [assignDecoded] populates. It's a convenience for [HandlerFunc]
// implementations that want a concrete request value instead of
// working with req directly.
func DecodeRequest(ctx context.Context, req *fragments.Decoder, reqSig Signature, dst any) error {
	return decodeInto(ctx, req, reqSig, dst)
}

// pendingCall is the bookkeeping for one in-flight method call
// awaiting its reply.
type pendingCall struct {
	notify chan struct{}
	resp   any
	err    error
}

// Conn is a connection to a DBus bus.
type Conn struct {
	t        transport.Transport
	clientID string
	bus      Interface

	writeMu sync.Mutex
	bufs    bufferPool

	mu           sync.Mutex
	closed       bool
	calls        map[uint32]*pendingCall
	lastSerial   uint32
	watchers     mapset.Set[*Watcher]
	claims       mapset.Set[*Claim]
	handlers     map[interfaceMember]HandlerFunc
	matchEntries map[string]*matchEntry
}

// SystemBus connects to the system-wide DBus bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = "unix:path=/run/dbus/system_bus_socket"
	}
	return newConn(ctx, addr)
}

// SessionBus connects to the caller's session DBus bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("dbus: DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return newConn(ctx, addr)
}

// Dial connects to the bus at the given DBus server address, e.g.
// "unix:path=/run/dbus/system_bus_socket" or "tcp:host=localhost,port=1234".
func Dial(ctx context.Context, addr string) (*Conn, error) {
	return newConn(ctx, addr)
}

func newConn(ctx context.Context, addrStr string) (*Conn, error) {
	addrs, err := transport.ParseAddresses(addrStr)
	if err != nil {
		return nil, AddressError{Address: addrStr, Reason: err}
	}

	var (
		t       transport.Transport
		dialErr error
	)
	for _, addr := range addrs {
		switch addr.Transport {
		case "unix":
			t, dialErr = transport.DialUnix(ctx, addr)
		case "tcp":
			t, dialErr = transport.DialTCP(ctx, addr)
		default:
			dialErr = fmt.Errorf("unsupported dbus transport %q", addr.Transport)
			continue
		}
		if dialErr == nil {
			break
		}
	}
	if t == nil {
		if dialErr == nil {
			dialErr = errors.New("no usable address")
		}
		var authErr transport.AuthFailedError
		if errors.As(dialErr, &authErr) {
			return nil, AuthError{Reason: authErr.Reason}
		}
		return nil, AddressError{Address: addrStr, Reason: dialErr}
	}

	ret := &Conn{
		t:            t,
		calls:        map[uint32]*pendingCall{},
		watchers:     mapset.New[*Watcher](),
		claims:       mapset.New[*Claim](),
		handlers:     map[interfaceMember]HandlerFunc{},
		matchEntries: map[string]*matchEntry{},
	}
	ret.bus = ret.Peer(ifaceBus).Object("/org/freedesktop/DBus").Interface(ifaceBus)

	go ret.readLoop()

	if err := ret.bus.Call(ctx, "Hello", nil, &ret.clientID); err != nil {
		ret.Close()
		return nil, fmt.Errorf("dbus: saying Hello to the bus: %w", err)
	}

	ret.Handle("org.freedesktop.DBus.Peer", "Ping", func(ctx context.Context, obj ObjectPath, req *fragments.Decoder, reqSig Signature) (any, error) {
		return nil, nil
	})
	ret.Handle("org.freedesktop.DBus.Peer", "GetMachineId", func(ctx context.Context, obj ObjectPath, req *fragments.Decoder, reqSig Signature) (any, error) {
		return machineID()
	})

	return ret, nil
}

func machineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		bs, err := os.ReadFile(path)
		if err == nil {
			return string(bs), nil
		}
	}
	return "", errors.New("no machine-id available")
}

// LocalName returns the unique bus name the message bus assigned to
// this Conn.
func (c *Conn) LocalName() string { return c.clientID }

// Peer returns a local handle to the named bus participant.
//
// The returned value is purely local. It does not indicate that the
// named peer exists or is reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

// Close shuts down the connection. Pending calls fail with
// [net.ErrClosed], and any [Watcher] or [Claim] still open is closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := c.calls
	c.calls = nil
	watchers := c.watchers
	c.watchers = nil
	claims := c.claims
	c.claims = nil
	c.mu.Unlock()

	for _, call := range calls {
		call.err = net.ErrClosed
		close(call.notify)
	}
	for w := range watchers {
		w.Close()
	}
	for cl := range claims {
		cl.Close()
	}

	return c.t.Close()
}

func (c *Conn) lockedWatchers() mapset.Set[*Watcher] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := mapset.New[*Watcher]()
	for w := range c.watchers {
		ret.Add(w)
	}
	return ret
}

func (c *Conn) addWatcher(w *Watcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.watchers.Add(w)
	return nil
}

func (c *Conn) removeWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.watchers.Remove(w)
}

// writeMsg encodes body, fills in hdr's Length/Signature/NumFDs, and
// writes the whole frame to the transport.
func (c *Conn) writeMsg(ctx context.Context, hdr *header, body any) error {
	buf := c.bufs.rent()
	defer c.bufs.release(buf)
	buf.enc.Order = fragments.NativeEndian

	sig, err := encodeBody(ctx, &buf.enc, body)
	if err != nil {
		return err
	}

	hdr.Order = fragments.NativeEndian
	hdr.Signature = sig
	hdr.Length = uint32(len(buf.enc.Out))
	hdr.NumFDs = uint32(len(buf.fds.fds))

	if hdr.NumFDs > 0 && !c.t.SupportsFDs() {
		return errors.New("dbus: transport does not support file descriptor passing")
	}

	var hdrEnc fragments.Encoder
	hdrEnc.Order = fragments.NativeEndian
	if err := hdr.MarshalDBus(ctx, &hdrEnc); err != nil {
		return err
	}

	frame := append(hdrEnc.Out, buf.enc.Out...)

	var files []*os.File
	if n := len(buf.fds.fds); n > 0 {
		files = make([]*os.File, n)
		for i, fd := range buf.fds.fds {
			files[i] = os.NewFile(fd, "dbus-fd")
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.t.WriteWithFiles(frame, files)
	return err
}

// readLoop pulls bytes off the transport, assembles them into message
// frames, and dispatches each frame as it completes.
func (c *Conn) readLoop() {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		for {
			msg, consumed, err := TryReadMessage(buf, nil)
			if err != nil {
				log.Printf("dbus: closing connection after protocol error: %v", err)
				c.Close()
				return
			}
			if msg == nil {
				break
			}
			if msg.header.NumFDs > 0 {
				files, err := c.t.GetFiles(int(msg.header.NumFDs))
				if err != nil {
					log.Printf("dbus: closing connection after failing to receive attached files: %v", err)
					c.Close()
					return
				}
				msg.fds = &fileFDSource{files: files}
			}
			buf = buf[consumed:]
			c.dispatchMsg(msg)
		}

		n, err := c.t.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Printf("dbus: read error, closing connection: %v", err)
			}
			return
		}
	}
}

func (c *Conn) dispatchMsg(msg *Message) {
	if err := msg.header.Valid(); err != nil {
		log.Printf("dbus: dropping invalid message: %v", err)
		return
	}

	switch msg.Type() {
	case msgTypeCall:
		go c.dispatchCall(msg)
	case msgTypeReturn:
		c.dispatchReturn(msg)
		msg.closeUnusedFDs()
	case msgTypeError:
		c.dispatchErr(msg)
		msg.closeUnusedFDs()
	case msgTypeSignal:
		if err := c.dispatchSignal(msg); err != nil {
			log.Printf("dbus: dispatching signal %s.%s: %v", msg.Interface(), msg.Member(), err)
		}
		msg.closeUnusedFDs()
	}
}

func (c *Conn) popCall(serial uint32) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		return nil
	}
	ret := c.calls[serial]
	delete(c.calls, serial)
	return ret
}

func (c *Conn) dispatchReturn(msg *Message) {
	pending := c.popCall(msg.ReplySerial())
	if pending == nil {
		return
	}
	if pending.resp != nil {
		ctx := withContextSender(context.Background(), c.Peer(msg.Sender()).Object(msg.Path()).Interface(msg.Interface()))
		pending.err = decodeInto(ctx, msg.Body(), msg.Signature(), pending.resp)
	}
	close(pending.notify)
}

func (c *Conn) dispatchErr(msg *Message) {
	pending := c.popCall(msg.ReplySerial())
	if pending == nil {
		return
	}

	detail := ""
	if toks, err := msg.Signature().Tokens(); err == nil && len(toks) > 0 && toks[0].Code == fragments.TypeString {
		if s, err := msg.Body().String(); err == nil {
			detail = s
		}
	}
	pending.err = CallError{Name: msg.ErrName(), Detail: detail}
	close(pending.notify)
}

// ifaceObjMgr is the standard org.freedesktop.DBus.ObjectManager
// interface name.
const ifaceObjMgr = "org.freedesktop.DBus.ObjectManager"

// decodeSignalBody decodes a signal's body. The handful of standard
// org.freedesktop.DBus signals with a well-known Go shape decode into
// that shape; everything else decodes generically, the same way a
// property change value or an unrecognized signal body would.
func decodeSignalBody(ctx context.Context, msg *Message) (any, error) {
	d := msg.Body()
	switch {
	case msg.Interface() == ifaceBus && msg.Member() == "NameOwnerChanged":
		var s NameOwnerChanged
		if err := s.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		return &s, nil
	case msg.Interface() == ifaceProps && msg.Member() == "PropertiesChanged":
		var s PropertiesChanged
		if err := s.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		return &s, nil
	case msg.Interface() == ifaceObjMgr && msg.Member() == "InterfacesAdded":
		var s InterfacesAdded
		if err := s.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		return &s, nil
	case msg.Interface() == ifaceObjMgr && msg.Member() == "InterfacesRemoved":
		var s InterfacesRemoved
		if err := s.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return decodeBody(ctx, msg)
	}
}

func (c *Conn) dispatchSignal(msg *Message) error {
	sender := c.Peer(msg.Sender()).Object(msg.Path()).Interface(msg.Interface())
	ctx := withContextSender(context.Background(), sender)

	body, err := decodeSignalBody(ctx, msg)
	if err != nil {
		return err
	}

	for w := range c.lockedWatchers() {
		w.deliverSignal(sender, msg, body)
	}

	if pc, ok := body.(*PropertiesChanged); ok {
		for w := range c.lockedWatchers() {
			for name, val := range pc.Changed {
				w.deliverProp(pc.Interface, msg, name, val)
			}
			for name := range pc.Invalidated {
				w.deliverProp(pc.Interface, msg, name, nil)
			}
		}
	}

	return nil
}

func (c *Conn) dispatchCall(msg *Message) {
	defer msg.closeUnusedFDs()
	ctx := withContextSender(context.Background(), c.Peer(msg.Sender()).Object(msg.Path()).Interface(msg.Interface()))

	handler, serial, ok := func() (HandlerFunc, uint32, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil, 0, false
		}
		c.lastSerial++
		return c.handlers[interfaceMember{msg.Interface(), msg.Member()}], c.lastSerial, true
	}()
	if !ok {
		return
	}

	if !msg.WantReply() {
		if handler != nil {
			handler(ctx, msg.Path(), msg.Body(), msg.Signature())
		}
		return
	}

	respHdr := &header{
		Type:        msgTypeReturn,
		Version:     protocolVersion,
		Serial:      serial,
		Destination: msg.Sender(),
		ReplySerial: msg.Serial(),
	}

	if handler == nil {
		respHdr.Type = msgTypeError
		respHdr.ErrName = "org.freedesktop.DBus.Error.UnknownMethod"
		detail := fmt.Sprintf("no method %q on interface %q", msg.Member(), msg.Interface())
		if err := c.writeMsg(ctx, respHdr, detail); err != nil {
			log.Printf("dbus: replying to unknown method call: %v", err)
		}
		return
	}

	resp, err := handler(ctx, msg.Path(), msg.Body(), msg.Signature())
	if err != nil {
		respHdr.Type = msgTypeError
		respHdr.ErrName = "org.freedesktop.DBus.Error.Failed"
		if werr := c.writeMsg(ctx, respHdr, err.Error()); werr != nil {
			log.Printf("dbus: replying to failed method call: %v", werr)
		}
		return
	}

	if err := c.writeMsg(ctx, respHdr, resp); err != nil {
		log.Printf("dbus: sending method reply: %v", err)
	}
}

// call sends a method call to dest/path/iface.method, and waits for
// the corresponding reply.
//
// body may be nil, a [Marshaler], or one of the basic Go types
// [marshalBasic] accepts. response may be nil, an [Unmarshaler], or a
// pointer to one of the types [assignDecoded] populates; response is
// ignored when oneWay is set.
func (c *Conn) call(ctx context.Context, dest string, path ObjectPath, iface, method string, body, response any, oneWay bool, opts ...CallOption) error {
	hdr := &header{
		Type:        msgTypeCall,
		Version:     protocolVersion,
		Flags:       callFlags(opts),
		Path:        path,
		Interface:   iface,
		Member:      method,
		Destination: dest,
	}

	if oneWay {
		hdr.Flags |= flagNoReplyExpected
		serial, ok := c.nextSerial()
		if !ok {
			return net.ErrClosed
		}
		hdr.Serial = serial
		return c.writeMsg(ctx, hdr, body)
	}

	pending := &pendingCall{notify: make(chan struct{}), resp: response}
	serial, ok := c.registerCall(pending)
	if !ok {
		return net.ErrClosed
	}
	hdr.Serial = serial
	defer c.popCall(serial)

	if err := c.writeMsg(ctx, hdr, body); err != nil {
		return err
	}

	select {
	case <-pending.notify:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) nextSerial() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.lastSerial++
	return c.lastSerial, true
}

func (c *Conn) registerCall(p *pendingCall) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.lastSerial++
	serial := c.lastSerial
	c.calls[serial] = p
	return serial, true
}

// EmitSignal broadcasts a signal from obj/iface.member.
//
// body may be nil, a [Marshaler], or one of the basic Go types
// [marshalBasic] accepts.
func (c *Conn) EmitSignal(ctx context.Context, obj ObjectPath, iface, member string, body any) error {
	serial, ok := c.nextSerial()
	if !ok {
		return net.ErrClosed
	}
	hdr := &header{
		Type:      msgTypeSignal,
		Version:   protocolVersion,
		Serial:    serial,
		Path:      obj,
		Interface: iface,
		Member:    member,
	}
	return c.writeMsg(ctx, hdr, body)
}

// Handle registers fn to serve calls to the given interface and
// method, on every object path this Conn exports.
//
// Registering a handler for a method that already has one replaces
// the previous handler.
func (c *Conn) Handle(interfaceName, method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[interfaceMember{interfaceName, method}] = fn
}

// Unhandle removes a previously registered handler.
func (c *Conn) Unhandle(interfaceName, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, interfaceMember{interfaceName, method})
}
