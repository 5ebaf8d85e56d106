package dbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvid/dbus/fragments"
)

// ObjectPath is a DBus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

// Validate reports whether o is a syntactically valid object path: an
// ASCII string starting with '/', whose '/'-separated segments are
// each non-empty and contain only [A-Za-z0-9_], with no trailing
// slash except for the root path "/" itself.
func (o ObjectPath) Validate() error {
	s := string(o)
	if s == "" || s[0] != '/' {
		return fmt.Errorf("object path %q must start with '/'", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q must not end with '/'", s)
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return fmt.Errorf("object path %q has an empty segment", s)
		}
		for _, c := range seg {
			if !isPathSegmentByte(byte(c)) {
				return fmt.Errorf("object path %q contains invalid character %q", s, c)
			}
		}
	}
	return nil
}

func isPathSegmentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// IsChildOf reports whether o names an object at or below the prefix
// path.
func (o ObjectPath) IsChildOf(prefix ObjectPath) bool {
	p := string(prefix)
	s := string(o)
	if p == "/" {
		return true
	}
	if s == p {
		return true
	}
	p = strings.TrimSuffix(p, "/")
	return strings.HasPrefix(s, p+"/")
}

// pathPrefixMatch reports whether val and prefix are equal, or
// whichever of the two ends in "/" is a prefix of the other. This is
// the symmetric comparison DBus uses for arg0path match rules (unlike
// [ObjectPath.IsChildOf]'s one-directional path_namespace check): a
// rule of "/a/b/" matches "/a/b/" and "/a/b/c" but not "/a/b".
func pathPrefixMatch(val, prefix string) bool {
	if val == prefix {
		return true
	}
	if strings.HasSuffix(prefix, "/") && strings.HasPrefix(val, prefix) {
		return true
	}
	return strings.HasSuffix(val, "/") && strings.HasPrefix(prefix, val)
}

func (o ObjectPath) SignatureDBus() Signature { return mustParseSignature("o") }

func (o ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if err := o.Validate(); err != nil {
		return err
	}
	e.String(string(o))
	return nil
}

func (o *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	*o = ObjectPath(s)
	return nil
}
