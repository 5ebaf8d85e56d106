package dbus

// CallOption adjusts the behavior of a single [Interface.Call],
// [Interface.OneWay], or bus-level request.
type CallOption func(*callOpts)

type callOpts struct {
	noAutoStart          bool
	allowInteractiveAuth bool
}

// NoAutoStart requests that the bus not activate a service to handle
// the call if the destination is not currently running.
func NoAutoStart() CallOption {
	return func(o *callOpts) { o.noAutoStart = true }
}

// AllowInteractiveAuthorization tells the destination that the caller
// is prepared to wait for interactive authorization (e.g. a polkit
// prompt) before the call completes.
func AllowInteractiveAuthorization() CallOption {
	return func(o *callOpts) { o.allowInteractiveAuth = true }
}

// header flag bits, per the DBus message protocol.
const (
	flagNoReplyExpected         byte = 0x1
	flagNoAutoStart             byte = 0x2
	flagAllowInteractiveAuthorization byte = 0x4
)

func callFlags(opts []CallOption) byte {
	var o callOpts
	for _, f := range opts {
		f(&o)
	}
	var flags byte
	if o.noAutoStart {
		flags |= flagNoAutoStart
	}
	if o.allowInteractiveAuth {
		flags |= flagAllowInteractiveAuthorization
	}
	return flags
}
