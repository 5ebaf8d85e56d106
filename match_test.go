package dbus

import (
	"context"
	"testing"

	"github.com/corvid/dbus/fragments"
)

// argsBody is a test-only Marshaler for a signal body made of a fixed
// sequence of basic-typed arguments.
type argsBody struct {
	sig  Signature
	vals []any
}

func (b argsBody) SignatureDBus() Signature { return b.sig }

func (b argsBody) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	for _, v := range b.vals {
		if err := marshalBasic(ctx, e, v); err != nil {
			return err
		}
	}
	return nil
}

// propsChangedBody is a test-only Marshaler for the standard
// PropertiesChanged body shape ("sa{sv}as").
type propsChangedBody struct {
	iface       string
	changed     map[string]any
	invalidated []string
}

func (b propsChangedBody) SignatureDBus() Signature { return mustParseSignature("sa{sv}as") }

func (b propsChangedBody) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(b.iface)
	start := e.ArrayStart(8, true)
	for k, v := range b.changed {
		e.StructStart()
		e.String(k)
		if err := (Variant{v}).MarshalDBus(ctx, e); err != nil {
			return err
		}
	}
	e.ArrayEnd(start)
	MarshalStrings(e, b.invalidated)
	return nil
}

func buildSignal(t *testing.T, sender, path, iface, member string, body Marshaler) *Message {
	t.Helper()

	var bodyEnc fragments.Encoder
	bodyEnc.Order = fragments.NativeEndian
	var sig Signature
	if body != nil {
		sig = body.SignatureDBus()
		if err := body.MarshalDBus(context.Background(), &bodyEnc); err != nil {
			t.Fatalf("encoding test body: %v", err)
		}
	}

	hdr := header{
		Order:     fragments.NativeEndian,
		Type:      msgTypeSignal,
		Version:   protocolVersion,
		Serial:    1,
		Path:      ObjectPath(path),
		Interface: iface,
		Member:    member,
		Sender:    sender,
		Signature: sig,
		Length:    uint32(len(bodyEnc.Out)),
	}

	var hdrEnc fragments.Encoder
	hdrEnc.Order = fragments.NativeEndian
	if err := hdr.MarshalDBus(context.Background(), &hdrEnc); err != nil {
		t.Fatalf("encoding test header: %v", err)
	}

	frame := append(hdrEnc.Out, bodyEnc.Out...)
	msg, consumed, err := TryReadMessage(frame, nil)
	if err != nil {
		t.Fatalf("parsing test message: %v", err)
	}
	if msg == nil || consumed != len(frame) {
		t.Fatalf("test message frame did not parse as one complete message")
	}
	return msg
}

func buildPropsChanged(t *testing.T, sender, path string, body propsChangedBody) *Message {
	return buildSignal(t, sender, path, "org.freedesktop.DBus.Properties", "PropertiesChanged", body)
}

func TestMatchFilterString(t *testing.T) {
	var conn *Conn

	tests := []struct {
		name string
		m    *Match
		want string
	}{
		{"all signals", NewMatch(), `type='signal'`},
		{
			"signal",
			NewMatch().Signal("org.test", "Signal"),
			`type='signal',interface='org.test',member='Signal'`,
		},
		{
			"signal sender",
			NewMatch().Peer(conn.Peer("test")).Signal("org.test", "Signal"),
			`type='signal',sender='test',interface='org.test',member='Signal'`,
		},
		{
			"signal object",
			NewMatch().Object(conn.Peer("test").Object("/test")).Signal("org.test", "Signal"),
			`type='signal',path='/test',interface='org.test',member='Signal'`,
		},
		{
			"signal object prefix",
			NewMatch().ObjectPrefix("/test").Signal("org.test", "Signal"),
			`type='signal',path_namespace='/test',interface='org.test',member='Signal'`,
		},
		{
			"signal object arg",
			NewMatch().Signal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar"),
			`type='signal',interface='org.test',member='Signal',arg0='foo',arg2='bar'`,
		},
		{
			"signal object arg prefix",
			NewMatch().Signal("org.test", "Signal").ArgPathPrefix(0, "/foo").ArgPathPrefix(1, "/bar"),
			`type='signal',interface='org.test',member='Signal',arg0path='/foo',arg1path='/bar'`,
		},
		{
			"signal arg0 namespace",
			NewMatch().Signal("org.test", "Signal").Arg0Namespace("foo.bar"),
			`type='signal',interface='org.test',member='Signal',arg0namespace='foo.bar'`,
		},
		{
			"property",
			NewMatch().Signal("org.freedesktop.DBus.Properties", "PropertiesChanged").ArgStr(0, "org.test"),
			`type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.test'`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.filterString(); got != tc.want {
				t.Errorf("wrong filter string\n  got: %s\n want: %s", got, tc.want)
			}
		})
	}
}

func TestMatchSignals(t *testing.T) {
	sigSig := mustParseSignature("sosn")

	tests := []struct {
		name string
		m    *Match
		msg  *Message
		want bool
	}{
		{
			"unrestricted matches anything",
			NewMatch(),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"a", ObjectPath("/x"), "b", int16(1)}}),
			true,
		},
		{
			"wrong member",
			NewMatch().Signal("org.test", "Signal"),
			buildSignal(t, "test", "/test", "org.test", "Other", nil),
			false,
		},
		{
			"sender filter",
			NewMatch().Peer(Peer{name: "test"}),
			buildSignal(t, "test2", "/test", "org.test", "Signal", nil),
			false,
		},
		{
			"object prefix matches child",
			NewMatch().ObjectPrefix("/test"),
			buildSignal(t, "test", "/test/child", "org.test", "Signal", nil),
			true,
		},
		{
			"object prefix rejects sibling",
			NewMatch().ObjectPrefix("/test"),
			buildSignal(t, "test", "/testing", "org.test", "Signal", nil),
			false,
		},
		{
			"arg string match",
			NewMatch().Signal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"foo", ObjectPath("/x"), "bar", int16(1)}}),
			true,
		},
		{
			"arg string mismatch",
			NewMatch().Signal("org.test", "Signal").ArgStr(0, "foo"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"nope", ObjectPath("/x"), "bar", int16(1)}}),
			false,
		},
		{
			"arg path prefix match",
			NewMatch().Signal("org.test", "Signal").ArgPathPrefix(1, "/x/"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"foo", ObjectPath("/x/y"), "bar", int16(1)}}),
			true,
		},
		{
			"arg path prefix with trailing slash matches exact dir",
			NewMatch().Signal("org.test", "Signal").ArgPathPrefix(1, "/a/b/"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{mustParseSignature("sssn"), []any{"foo", "/a/b/", "bar", int16(1)}}),
			true,
		},
		{
			"arg path prefix with trailing slash matches child",
			NewMatch().Signal("org.test", "Signal").ArgPathPrefix(1, "/a/b/"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"foo", ObjectPath("/a/b/c"), "bar", int16(1)}}),
			true,
		},
		{
			"arg0 namespace match",
			NewMatch().Signal("org.test", "Signal").Arg0Namespace("foo.bar"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"foo.bar.baz", ObjectPath("/x"), "bar", int16(1)}}),
			true,
		},
		{
			"arg0 namespace mismatch",
			NewMatch().Signal("org.test", "Signal").Arg0Namespace("foo.bar"),
			buildSignal(t, "test", "/test", "org.test", "Signal", argsBody{sigSig, []any{"foo.barbaz", ObjectPath("/x"), "bar", int16(1)}}),
			false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matches(tc.msg); got != tc.want {
				t.Errorf("match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchPropertiesChanged(t *testing.T) {
	body := propsChangedBody{
		iface:       "org.test",
		changed:     map[string]any{"Prop": "value"},
		invalidated: nil,
	}

	tests := []struct {
		name string
		m    *Match
		msg  *Message
		want bool
	}{
		{
			"matches arg0 interface",
			NewMatch().Signal(ifaceProps, "PropertiesChanged").ArgStr(0, "org.test"),
			buildPropsChanged(t, "test", "/test", body),
			true,
		},
		{
			"rejects wrong interface",
			NewMatch().Signal(ifaceProps, "PropertiesChanged").ArgStr(0, "org.other"),
			buildPropsChanged(t, "test", "/test", body),
			false,
		},
		{
			"object restricted",
			NewMatch().ObjectPrefix("/test").Signal(ifaceProps, "PropertiesChanged"),
			buildPropsChanged(t, "test", "/test/child", body),
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matches(tc.msg); got != tc.want {
				t.Errorf("match() = %v, want %v", got, tc.want)
			}
		})
	}
}
