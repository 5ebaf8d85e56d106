package dbus

import (
	"cmp"
	"context"
	"fmt"

	"github.com/corvid/dbus/fragments"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Compare compares two interfaces, with the same convention as [cmp.Compare].
func (f Interface) Compare(other Interface) int {
	if ret := f.Object().Compare(other.Object()); ret != 0 {
		return ret
	}
	return cmp.Compare(f.Name(), other.Name())
}

// Call calls method on the interface with the given request body, and
// writes the response into response.
//
// body may be nil, a [Marshaler], or one of the basic Go types
// marshalBasic accepts. response may be nil, an [Unmarshaler], or a
// pointer to one of the types [assignDecoded] populates.
//
// This is a low-level calling API. It is the caller's responsibility
// to match body and response to the signature of the method being
// invoked.
func (f Interface) Call(ctx context.Context, method string, body, response any, opts ...CallOption) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response, false, opts...)
}

// OneWay calls method on the interface with the given request body,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, body any, opts ...CallOption) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, nil, true, opts...)
}

// GetProperty reads the value of the given property into val.
//
// val may be a pointer to one of the types [assignDecoded] populates,
// or *any to retrieve a property without knowing its type in advance.
func (f Interface) GetProperty(ctx context.Context, name string, val any, opts ...CallOption) error {
	if val == nil {
		return fmt.Errorf("cannot read property into nil target")
	}
	req := getPropertyReq{Interface: f.name, Property: name}
	// Properties.Get replies with a variant; unwrap it before assigning.
	var resp Variant
	if err := f.Object().Interface(ifaceProps).Call(ctx, "Get", req, &resp, opts...); err != nil {
		return err
	}
	return assignDecoded(resp.Value, val)
}

// SetProperty sets the given property to value.
//
// value may be nil, a [Marshaler], or one of the basic Go types
// marshalBasic accepts.
func (f Interface) SetProperty(ctx context.Context, name string, value any, opts ...CallOption) error {
	req := setPropertyReq{Interface: f.name, Property: name, Value: Variant{value}}
	return f.Object().Interface(ifaceProps).Call(ctx, "Set", req, nil, opts...)
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context, opts ...CallOption) (map[string]any, error) {
	var resp map[string]any
	if err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

const ifaceProps = "org.freedesktop.DBus.Properties"

// getPropertyReq is the ('ss') request body for
// org.freedesktop.DBus.Properties.Get.
type getPropertyReq struct {
	Interface, Property string
}

func (r getPropertyReq) SignatureDBus() Signature { return mustParseSignature("ss") }

func (r getPropertyReq) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(r.Interface)
	e.String(r.Property)
	return nil
}

// setPropertyReq is the ('ssv') request body for
// org.freedesktop.DBus.Properties.Set.
type setPropertyReq struct {
	Interface, Property string
	Value               Variant
}

func (r setPropertyReq) SignatureDBus() Signature { return mustParseSignature("ssv") }

func (r setPropertyReq) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(r.Interface)
	e.String(r.Property)
	return r.Value.MarshalDBus(ctx, e)
}
