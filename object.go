package dbus

import (
	"cmp"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
)

// Object is a local handle to an object exported by a [Peer].
//
// The returned value is purely local. It does not indicate that the
// object actually exists on the peer, or that it exposes any
// particular interface.
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return o.p.name + string(o.path)
}

// Compare compares two objects, with the same convention as [cmp.Compare].
func (o Object) Compare(other Object) int {
	if c := o.p.Compare(other.p); c != 0 {
		return c
	}
	return cmp.Compare(o.path, other.path)
}

// Interface returns a handle for the named interface of this object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Child returns a handle for the child object at the given
// path relative to this one.
func (o Object) Child(relPath string) Object {
	base := strings.TrimSuffix(string(o.path), "/")
	return o.p.Object(ObjectPath(base + "/" + strings.TrimPrefix(relPath, "/")))
}

// Introspect asks the object's peer for its introspection XML, and
// parses the result into an [ObjectDescription].
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	var resp string
	if err := o.Interface("org.freedesktop.DBus.Introspectable").Call(ctx, "Introspect", nil, &resp); err != nil {
		return nil, err
	}
	var desc ObjectDescription
	if err := xml.Unmarshal([]byte(resp), &desc); err != nil {
		return nil, fmt.Errorf("parsing introspection XML: %w", err)
	}
	return &desc, nil
}

// Interfaces returns the interfaces the peer reports this object
// implements.
func (o Object) Interfaces(ctx context.Context) ([]Interface, error) {
	var names []string
	if err := o.Interface("org.freedesktop.DBus").GetProperty(ctx, "Interfaces", &names); err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(names))
	for _, n := range names {
		ret = append(ret, o.Interface(n))
	}
	return ret, nil
}
