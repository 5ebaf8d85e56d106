package dbus

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/corvid/dbus/fragments"
)

// Peer is a local handle to a named participant on the bus: either a
// unique connection name (":1.42") or a well-known name
// ("org.freedesktop.DBus").
//
// The returned value is purely local. It does not indicate that a
// peer by this name currently exists or is reachable.
type Peer struct {
	c    *Conn
	name string
}

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string { return p.name }

// Compare compares two peers, with the same convention as [cmp.Compare].
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

// Ping checks that the peer is alive and responding to DBus traffic.
func (p Peer) Ping(ctx context.Context, opts ...CallOption) error {
	return p.Object("/").Interface("org.freedesktop.DBus.Peer").Call(ctx, "Ping", nil, nil, opts...)
}

// Conn returns the DBus connection this peer handle was created from.
func (p Peer) Conn() *Conn { return p.c }

// IsUniqueName reports whether the peer is addressed by its
// connection-unique name (":1.42") rather than a well-known name
// ("org.freedesktop.DBus").
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Exists reports whether some Conn currently owns the peer's name.
func (p Peer) Exists(ctx context.Context, opts ...CallOption) (bool, error) {
	var has bool
	if err := p.c.bus.Call(ctx, "NameHasOwner", p.name, &has, opts...); err != nil {
		return false, err
	}
	return has, nil
}

// Owner returns the Peer currently owning this name.
//
// Owner is only useful when called on a well-known name: a
// unique-name Peer is always its own owner if it exists at all.
func (p Peer) Owner(ctx context.Context, opts ...CallOption) (Peer, error) {
	var owner string
	if err := p.c.bus.Call(ctx, "GetNameOwner", p.name, &owner, opts...); err != nil {
		return Peer{}, err
	}
	return p.c.Peer(owner), nil
}

// QueuedOwners returns the Peers queued for ownership of this name,
// in succession order. The current owner, if any, is listed first.
func (p Peer) QueuedOwners(ctx context.Context, opts ...CallOption) ([]Peer, error) {
	var names []string
	if err := p.c.bus.Call(ctx, "ListQueuedOwners", p.name, &names, opts...); err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = p.c.Peer(n)
	}
	return ret, nil
}

// Credentials describes what the bus knows about the OS-level
// identity behind a Peer.
type Credentials struct {
	// UID is the peer's Unix user ID, if known.
	UID *uint32
	// PID is the peer's Unix process ID, if known.
	PID *uint32
}

func (c *Credentials) SignatureDBus() Signature { return mustParseSignature("a{sv}") }

func (c *Credentials) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	raw, err := unmarshalValue(ctx, d, c.SignatureDBus())
	if err != nil {
		return err
	}
	m, ok := raw.(map[any]any)
	if !ok {
		return fmt.Errorf("decoding Credentials: unexpected type %T", raw)
	}
	unwrap := func(v any) any {
		if variant, ok := v.(Variant); ok {
			return variant.Value
		}
		return v
	}
	if v, ok := m["UnixUserID"]; ok {
		if u, ok := unwrap(v).(uint32); ok {
			c.UID = &u
		}
	}
	if v, ok := m["ProcessID"]; ok {
		if u, ok := unwrap(v).(uint32); ok {
			c.PID = &u
		}
	}
	return nil
}

// Identity returns what the bus knows about the OS-level identity
// behind the Peer.
func (p Peer) Identity(ctx context.Context, opts ...CallOption) (Credentials, error) {
	var creds Credentials
	if err := p.c.bus.Call(ctx, "GetConnectionCredentials", p.name, &creds, opts...); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// UID returns the Unix user ID of the peer.
//
// Deprecated: use Identity, which reports everything the bus knows
// about the peer's credentials in one call.
func (p Peer) UID(ctx context.Context, opts ...CallOption) (uint32, error) {
	var uid uint32
	if err := p.c.bus.Call(ctx, "GetConnectionUnixUser", p.name, &uid, opts...); err != nil {
		return 0, err
	}
	return uid, nil
}

// PID returns the Unix process ID of the peer.
//
// Deprecated: use Identity, which reports everything the bus knows
// about the peer's credentials in one call.
func (p Peer) PID(ctx context.Context, opts ...CallOption) (uint32, error) {
	var pid uint32
	if err := p.c.bus.Call(ctx, "GetConnectionUnixProcessID", p.name, &pid, opts...); err != nil {
		return 0, err
	}
	return pid, nil
}

// Object returns a handle for the given object path on this peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
