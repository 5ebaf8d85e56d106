package dbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches DBus signals.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        string
	member       string
	hasSignal    bool
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// NewMatch returns a new Match that matches all signals.
func NewMatch() *Match {
	return &Match{}
}

// valid reports whether the match is structurally valid.
func (m *Match) valid() error {
	if len(m.argStr) == 0 && len(m.argPath) == 0 && !m.arg0NS.Present() {
		return nil
	}
	if !m.hasSignal {
		return errors.New("matches on ArgStr(), ArgPathPrefix(), or Arg0Namespace() must also match on Signal()")
	}
	return nil
}

// filterString returns the match in the string format that DBus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if m.hasSignal {
		kv("interface", m.iface)
		kv("member", m.member)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		k := fmt.Sprintf("arg%d", i)
		kv(k, m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		k := fmt.Sprintf("arg%dpath", i)
		kv(k, string(m.argPath[i]))
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// clone makes a deep copy of m.
func (m *Match) clone() *Match {
	ret := *m
	ret.argStr = maps.Clone(m.argStr)
	ret.argPath = maps.Clone(m.argPath)
	return &ret
}

// bodyArgs decodes every top-level argument of msg's body generically,
// for use by matches below. A message with a malformed body simply
// fails to match rather than
// aborting dispatch, since the body belongs to whatever waiter or
// observer ultimately claims the message.
func bodyArgs(msg *Message) ([]any, error) {
	sig := msg.Signature()
	toks, err := sig.Tokens()
	if err != nil {
		return nil, err
	}
	d := msg.Body()
	args := make([]any, 0, len(toks))
	for _, tok := range toks {
		v, err := unmarshalToken(context.Background(), d, tok)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// matches reports whether msg matches the filter, using the same
// match logic that the bus uses on the match's filterString().
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple Watchers are active, the received
// signals are the union of all the Watchers' filters, and so each one
// needs to do additional filtering on received signals.
func (m *Match) matches(msg *Message) bool {
	if s, ok := m.sender.GetOK(); ok && msg.Sender() != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path() != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && msg.Path() != p && !msg.Path().IsChildOf(p) {
		return false
	}
	if m.hasSignal && (msg.Interface() != m.iface || msg.Member() != m.member) {
		return false
	}

	if len(m.argStr) == 0 && len(m.argPath) == 0 && !m.arg0NS.Present() {
		return true
	}

	args, err := bodyArgs(msg)
	if err != nil {
		return false
	}

	for i, want := range m.argStr {
		if i >= len(args) {
			return false
		}
		got, ok := args[i].(string)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(args) {
			return false
		}
		switch got := args[i].(type) {
		case string:
			if !pathPrefixMatch(got, string(want)) {
				return false
			}
		case ObjectPath:
			if !pathPrefixMatch(string(got), string(want)) {
				return false
			}
		default:
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		if len(args) == 0 {
			return false
		}
		got, ok := args[0].(string)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}

	return true
}

// Signal restricts the Match to signals with the given interface and
// member name.
func (m *Match) Signal(iface, member string) *Match {
	m.hasSignal = true
	m.iface = iface
	m.member = member
	return m
}

// Peer restricts the Match to a single sending Peer.
func (m *Match) Peer(p Peer) *Match {
	m.sender = value.Just(p.Name())
	return m
}

// Object restricts the match to a single sending Object.
func (m *Match) Object(o Object) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Path())
	return m
}

// ObjectPrefix restricts the Match to the Objects rooted at the given
// path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// / means the same as not specifying a path match anyway, and
		// some bus implementations reject it as a path_namespace value.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o)
	}
	return m
}

// ArgStr restricts the Match to signals whose i-th body argument is a
// string equal to val.
//
// To use ArgStr, the Match must also be restricted to a single signal
// with [Match.Signal].
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body
// argument is a string or object path equal to val, or where
// whichever of the two ends in '/' is a prefix of the other.
//
// To use ArgPathPrefix, the Match must also be restricted to a single
// signal with [Match.Signal].
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body
// argument is a peer or interface name with the given dot-separated
// prefix.
//
// To use Arg0Namespace, the Match must also be restricted to a single
// signal with [Match.Signal].
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
