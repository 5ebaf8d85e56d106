package dbus

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/creachadair/mds/mapset"
	"github.com/corvid/dbus/fragments"
)

const ifaceBus = "org.freedesktop.DBus"

// NameRequest is a request to take ownership of a DBus [Peer]
// name. See [Conn.RequestName] for detailed behavior.
type NameRequest struct {
	// Name is the bus name to request.
	Name string
	// ReplaceCurrent is whether to attempt to replace the current
	// primary owner of Name, if one exists. Replacement is only
	// possible if the current primary owner requested the name with
	// AllowReplacement set.
	ReplaceCurrent bool
	// NoQueue, if set, causes RequestName to return an error if
	// primary ownership of Name cannot be granted.
	NoQueue bool
	// AllowReplacement is whether to allow the requestor to be
	// replaced as primary owner, if another Peer requests the name
	// with ReplaceCurrent set.
	AllowReplacement bool
}

func (r NameRequest) flags() uint32 {
	var f uint32
	if r.AllowReplacement {
		f |= 0x1
	}
	if r.ReplaceCurrent {
		f |= 0x2
	}
	if r.NoQueue {
		f |= 0x4
	}
	return f
}

// requestNameReq is the ('su') request body for
// org.freedesktop.DBus.RequestName.
type requestNameReq struct {
	Name  string
	Flags uint32
}

func (r requestNameReq) SignatureDBus() Signature { return mustParseSignature("su") }

func (r requestNameReq) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(r.Name)
	e.Uint32(r.Flags)
	return nil
}

// RequestName asks the bus to assign an additional name to the Conn.
//
// A bus name has a single owner which receives DBus traffic for that
// name, and a queue of "backup" owners that are willing to take over
// should the current owner disconnect or abandon the name.
//
// If there are no other claims to the requested name, the Conn
// becomes the name's owner, and RequestName returns (true, nil). The
// options in [NameRequest] control behavior when there are multiple
// claims to the requested name.
//
// By default, if the name already has an owner, RequestName adds Conn
// to the queue of backup owners and returns (false, nil). The bus
// will send the [NameAcquired] signal when Conn becomes the owner of
// the name. If ownership is taken away, the bus indicates this with
// the [NameLost] signal and places Conn back in the queue of backup
// owners.
func (c *Conn) RequestName(ctx context.Context, req NameRequest, opts ...CallOption) (isPrimaryOwner bool, err error) {
	var resp uint32
	r := requestNameReq{Name: req.Name, Flags: req.flags()}
	if err := c.bus.Call(ctx, "RequestName", r, &resp, opts...); err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

func (c *Conn) ReleaseName(ctx context.Context, name string, opts ...CallOption) error {
	var ignore uint32
	return c.bus.Call(ctx, "ReleaseName", name, &ignore, opts...)
}

func (c *Conn) Peers(ctx context.Context, opts ...CallOption) ([]Peer, error) {
	var names []string
	if err := c.bus.Call(ctx, "ListNames", nil, &names, opts...); err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = c.Peer(n)
	}
	return ret, nil
}

func (c *Conn) ActivatablePeers(ctx context.Context, opts ...CallOption) ([]Peer, error) {
	var names []string
	if err := c.bus.Call(ctx, "ListActivatableNames", nil, &names, opts...); err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = c.Peer(n)
	}
	return ret, nil
}

func (c *Conn) BusID(ctx context.Context, opts ...CallOption) (string, error) {
	var id string
	if err := c.bus.Call(ctx, "GetId", nil, &id, opts...); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Conn) Features(ctx context.Context, opts ...CallOption) ([]string, error) {
	var features []string
	if err := c.bus.GetProperty(ctx, "Features", &features, opts...); err != nil {
		return nil, err
	}
	return features, nil
}

// matchSubState is the server-side subscription lifecycle of a
// [matchEntry].
type matchSubState int

const (
	matchUnsubscribed matchSubState = iota // no AddMatch outstanding; safe to drop
	matchPending                           // AddMatch sent, reply not yet received
	matchSubscribed                        // bus acknowledged AddMatch
)

// matchEntry is the single server-side subscription backing a match
// rule string, shared by every [Watcher] that matches on the same
// rule. Conn.matchEntries is keyed by [Match.filterString], so two
// Watchers that ask for the same rule coalesce onto one AddMatch/
// RemoveMatch pair instead of sending one each.
type matchEntry struct {
	state    matchSubState
	refCount int
	ready    chan struct{} // closed once the initial AddMatch call resolves
	err      error         // AddMatch's result, valid once ready is closed
}

// addMatch records a subscriber's interest in rule m.filterString(),
// issuing AddMatch to the bus only if no other subscriber already has
// (or is in the process of getting) one. It returns once the rule is
// confirmed subscribed, or the attempt to subscribe has failed.
func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	rule := m.filterString()

	c.mu.Lock()
	e, existed := c.matchEntries[rule]
	if !existed {
		e = &matchEntry{state: matchPending, ready: make(chan struct{})}
		c.matchEntries[rule] = e
	}
	e.refCount++
	c.mu.Unlock()

	if !existed {
		err := c.bus.Call(ctx, "AddMatch", rule, nil)
		c.mu.Lock()
		e.err = err
		if err != nil {
			e.state = matchUnsubscribed
		} else {
			e.state = matchSubscribed
		}
		close(e.ready)
		c.mu.Unlock()
		if err != nil {
			c.dropMatchRef(rule, e)
		}
		return err
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		c.dropMatchRef(rule, e)
		return ctx.Err()
	}
	if e.err != nil {
		c.dropMatchRef(rule, e)
		return e.err
	}
	return nil
}

// removeMatch releases one subscriber's interest in m. When the last
// subscriber releases a subscribed rule, its match entry is discarded
// and RemoveMatch is sent to the bus as a one-way call: the caller
// disposing of a match has no further use for a reply, and waiting for
// one would only slow down teardown.
func (c *Conn) removeMatch(m *Match) {
	rule := m.filterString()
	c.mu.Lock()
	e, ok := c.matchEntries[rule]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.dropMatchRef(rule, e)
}

// dropMatchRef releases one reference on e, removing it from
// c.matchEntries and sending a one-way RemoveMatch once the last
// reference is released.
func (c *Conn) dropMatchRef(rule string, e *matchEntry) {
	c.mu.Lock()
	e.refCount--
	if e.refCount > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.matchEntries, rule)
	wasSubscribed := e.state == matchSubscribed
	c.mu.Unlock()

	if wasSubscribed {
		if err := c.bus.OneWay(context.Background(), "RemoveMatch", rule); err != nil {
			log.Printf("dbus: sending RemoveMatch for %q: %v", rule, err)
		}
	}
}

// NameOwnerChanged is the signal the bus emits whenever the owner of
// any bus name changes, including Conn's own names.
type NameOwnerChanged struct {
	Name string
	Prev *Peer
	New  *Peer
}

func (s *NameOwnerChanged) SignatureDBus() Signature { return mustParseSignature("sss") }

func (s *NameOwnerChanged) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	name, err := d.String()
	if err != nil {
		return err
	}
	prev, err := d.String()
	if err != nil {
		return err
	}
	next, err := d.String()
	if err != nil {
		return err
	}

	sender, ok := ContextSender(ctx)
	if !ok {
		return errors.New("can't unmarshal NameOwnerChanged signal, no sender in context")
	}

	s.Name = name
	if prev != "" {
		p := sender.Conn().Peer(prev)
		s.Prev = &p
	}
	if next != "" {
		n := sender.Conn().Peer(next)
		s.New = &n
	}
	return nil
}

// NameLost is the signal the bus sends to a Conn when it loses
// ownership of a bus name, either by releasing it or by being
// replaced by another claimant.
type NameLost struct {
	Name string
}

// NameAcquired is the signal the bus sends to a Conn when it becomes
// the owner of a bus name.
type NameAcquired struct {
	Name string
}

// ActivatableServicesChanged is the signal the bus emits when the set
// of activatable services changes.
type ActivatableServicesChanged struct{}

// PropertiesChanged is the standard org.freedesktop.DBus.Properties
// signal, reporting that one or more properties of an interface have
// changed or been invalidated.
type PropertiesChanged struct {
	Interface   Interface
	Changed     map[string]any
	Invalidated mapset.Set[string]
}

func (s *PropertiesChanged) SignatureDBus() Signature { return mustParseSignature("sa{sv}as") }

func (s *PropertiesChanged) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	iface, err := d.String()
	if err != nil {
		return err
	}
	changed, err := unmarshalDictSV(ctx, d)
	if err != nil {
		return err
	}
	invalidated, err := UnmarshalStrings(d)
	if err != nil {
		return err
	}

	sender, ok := ContextSender(ctx)
	if !ok {
		return errors.New("can't unmarshal PropertiesChanged signal, no sender in context")
	}

	s.Interface = sender.Object().Interface(iface)
	s.Changed = changed
	s.Invalidated = mapset.New(invalidated...)
	return nil
}

// unmarshalDictSV decodes an "a{sv}" dictionary into a plain
// map[string]any, unwrapping each value's Variant.
func unmarshalDictSV(ctx context.Context, d *fragments.Decoder) (map[string]any, error) {
	end, err := d.ArrayStart(8, true)
	if err != nil {
		return nil, err
	}
	ret := map[string]any{}
	for d.HasNext(end) {
		if err := d.StructStart(); err != nil {
			return nil, err
		}
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		var v Variant
		if err := v.UnmarshalDBus(ctx, d); err != nil {
			return nil, err
		}
		ret[k] = v.Value
	}
	return ret, nil
}

// InterfacesAdded is the standard
// org.freedesktop.DBus.ObjectManager.InterfacesAdded signal.
type InterfacesAdded struct {
	Object     Object
	Interfaces []Interface
}

func (s *InterfacesAdded) SignatureDBus() Signature { return mustParseSignature("oa{sa{sv}}") }

func (s *InterfacesAdded) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	path, err := d.String()
	if err != nil {
		return err
	}
	ifsAndProps, err := unmarshalIfsAndProps(ctx, d)
	if err != nil {
		return err
	}

	sender, ok := ContextSender(ctx)
	if !ok {
		return errors.New("can't unmarshal InterfacesAdded signal, no sender in context")
	}

	s.Object = sender.Peer().Object(ObjectPath(path))
	s.Interfaces = s.Interfaces[:0]
	for k := range ifsAndProps {
		s.Interfaces = append(s.Interfaces, s.Object.Interface(k))
	}
	return nil
}

func unmarshalIfsAndProps(ctx context.Context, d *fragments.Decoder) (map[string]map[string]any, error) {
	end, err := d.ArrayStart(8, true)
	if err != nil {
		return nil, err
	}
	ret := map[string]map[string]any{}
	for d.HasNext(end) {
		if err := d.StructStart(); err != nil {
			return nil, err
		}
		iface, err := d.String()
		if err != nil {
			return nil, err
		}
		props, err := unmarshalDictSV(ctx, d)
		if err != nil {
			return nil, err
		}
		ret[iface] = props
	}
	return ret, nil
}

// InterfacesRemoved is the standard
// org.freedesktop.DBus.ObjectManager.InterfacesRemoved signal.
type InterfacesRemoved struct {
	Object     Object
	Interfaces []Interface
}

func (s *InterfacesRemoved) SignatureDBus() Signature { return mustParseSignature("oas") }

func (s *InterfacesRemoved) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	path, err := d.String()
	if err != nil {
		return err
	}
	ifs, err := UnmarshalStrings(d)
	if err != nil {
		return err
	}

	sender, ok := ContextSender(ctx)
	if !ok {
		return errors.New("can't unmarshal InterfacesRemoved signal, no sender in context")
	}

	s.Object = sender.Peer().Object(ObjectPath(path))
	s.Interfaces = s.Interfaces[:0]
	for _, iface := range ifs {
		s.Interfaces = append(s.Interfaces, s.Object.Interface(iface))
	}
	return nil
}
