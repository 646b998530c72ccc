package wapc

import "context"

// CallContext is the per-invocation mutable record shared by the Host Runtime
// and every Engine implementation. At most one CallContext is active per Host
// at a time; the Engine's Instance.Invoke resets it with SetRequest (or builds
// a fresh one) at the start of every call, so no state from a previous call
// leaks into the next one.
//
// Engine implementations read and write CallContext fields from their import
// function callbacks (__guest_request, __guest_response, __guest_error,
// __host_call, __host_response(_len), __host_error(_len)) while the guest is
// suspended mid-call on the same goroutine that called Instance.Invoke.
type CallContext struct {
	// Op is the operation name of the current guest-directed call.
	Op string
	// Request is the payload the caller handed to the guest.
	Request []byte
	// Ctx is the context.Context the caller passed to Host.Call for this
	// invocation, preserved so __host_call can dispatch the Host Callback
	// with the caller's cancellation, deadline, and values intact rather
	// than a detached context.Background().
	Ctx context.Context
	// HostID identifies the Host driving this call, passed to the Host
	// Callback on every __host_call so callers can correlate activity
	// across hosts.
	HostID HostId

	guestResponse []byte
	guestError    string
	guestErrorSet bool

	hostResponse []byte
	hostError    error
}

// SetRequest initializes the context for a fresh call, clearing every other
// field.
func (c *CallContext) SetRequest(ctx context.Context, hostID HostId, op string, payload []byte) {
	c.Op = op
	c.Request = payload
	c.Ctx = ctx
	c.HostID = hostID
	c.guestResponse = nil
	c.guestError = ""
	c.guestErrorSet = false
	c.hostResponse = nil
	c.hostError = nil
}

// SetGuestResponse is called by an Engine's __guest_response import handler.
func (c *CallContext) SetGuestResponse(payload []byte) {
	c.guestResponse = payload
}

// SetGuestError is called by an Engine's __guest_error import handler.
func (c *CallContext) SetGuestError(msg string) {
	c.guestError = msg
	c.guestErrorSet = true
}

// TakeGuestResponse returns and resets the guest response slot. Called by the
// Host Runtime at call end.
func (c *CallContext) TakeGuestResponse() []byte {
	r := c.guestResponse
	c.guestResponse = nil
	return r
}

// TakeGuestError returns whether the guest set an error and, if so, its
// message, resetting the slot. Called by the Host Runtime at call end.
func (c *CallContext) TakeGuestError() (string, bool) {
	msg, ok := c.guestError, c.guestErrorSet
	c.guestError = ""
	c.guestErrorSet = false
	return msg, ok
}

// SetHostResponse records the result of the most recent host callback,
// replacing any prior value. Called by the Host Runtime when a host callback
// completes successfully.
func (c *CallContext) SetHostResponse(payload []byte) {
	c.hostResponse = payload
	c.hostError = nil
}

// SetHostError records the failure of the most recent host callback,
// replacing any prior value. Called by the Host Runtime when a host callback
// fails, or when no Host Callback is registered.
func (c *CallContext) SetHostError(err error) {
	c.hostError = err
	c.hostResponse = nil
}

// HostResponseLen returns the length of the current host response slot.
func (c *CallContext) HostResponseLen() int {
	return len(c.hostResponse)
}

// GetHostResponse returns the current host response slot.
func (c *CallContext) GetHostResponse() []byte {
	return c.hostResponse
}

// HostErrorLen returns the length of the current host error message, or 0 if
// no host error is set.
func (c *CallContext) HostErrorLen() int {
	if c.hostError == nil {
		return 0
	}
	return len(c.hostError.Error())
}

// GetHostError returns the current host error message, or "" if none is set.
func (c *CallContext) GetHostError() string {
	if c.hostError == nil {
		return ""
	}
	return c.hostError.Error()
}

type callContextKey struct{}

// WithCallContext returns a copy of ctx carrying cc, retrievable via
// CallContextFrom. Engine implementations thread this through every import
// function call for the duration of one guest invocation.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext stored in ctx by WithCallContext,
// or nil if there is none.
func CallContextFrom(ctx context.Context) *CallContext {
	cc, _ := ctx.Value(callContextKey{}).(*CallContext)
	return cc
}

type hostIDKey struct{}

// WithHostID returns a copy of ctx carrying id, retrievable via
// HostIDFromContext. Host.Call wraps the caller's context with its own
// HostId before invoking the engine, so every Engine implementation can
// recover it when dispatching a __host_call without widening the Engine
// contract's Invoke signature.
func WithHostID(ctx context.Context, id HostId) context.Context {
	return context.WithValue(ctx, hostIDKey{}, id)
}

// HostIDFromContext returns the HostId stored in ctx by WithHostID, or the
// zero HostId if there is none.
func HostIDFromContext(ctx context.Context) HostId {
	id, _ := ctx.Value(hostIDKey{}).(HostId)
	return id
}
