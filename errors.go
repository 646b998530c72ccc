package wapc

import (
	"errors"
	"fmt"
)

// ErrBusy is returned by Host.Call when the Host is already executing a call.
// Unlike the other errors in this taxonomy it is retriable: the caller may
// retry later or route the call to a different Host.
var ErrBusy = errors.New("wapc: host is busy")

// ErrPoolShutdown is returned when work is submitted to a HostPool after it
// has been closed.
var ErrPoolShutdown = errors.New("wapc: pool is shut down")

// InitFailedError indicates the engine could not prepare the guest module,
// e.g. because it is malformed, missing a required export, or rejected by
// the engine.
type InitFailedError struct {
	Engine string
	Cause  error
}

func (e *InitFailedError) Error() string {
	return fmt.Sprintf("wapc: %s engine failed to initialize module: %s", e.Engine, e.Cause)
}

func (e *InitFailedError) Unwrap() error { return e.Cause }

// InvalidModuleError indicates a module supplied to Engine.New, or to
// Host.ReplaceModule as a hot-swap target, is missing the required
// __guest_call export or a required host import.
type InvalidModuleError struct {
	Reason string
}

func (e *InvalidModuleError) Error() string {
	return "wapc: invalid module: " + e.Reason
}

// GuestCallFailureError wraps an engine-level failure (trap, out-of-memory,
// ABI mismatch) encountered while invoking the guest.
type GuestCallFailureError struct {
	Operation string
	Cause     error
}

func (e *GuestCallFailureError) Error() string {
	return fmt.Sprintf("wapc: engine failed invoking %q: %s", e.Operation, e.Cause)
}

func (e *GuestCallFailureError) Unwrap() error { return e.Cause }

// GuestError indicates the guest returned a failure status (0) from
// __guest_call. Message is whatever the guest wrote via __guest_error, or the
// protocol-mandated default when the guest set neither guest_response nor
// guest_error.
type GuestError struct {
	Operation string
	Message   string
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("wapc: guest error calling %q: %s", e.Operation, e.Message)
}

// HostCallbackError wraps an error returned by the user-supplied
// HostCallHandler. It is surfaced to the guest (via __host_error), not to the
// original caller of Host.Call, unless the guest re-raises it as its own
// guest_error.
type HostCallbackError struct {
	Binding   string
	Namespace string
	Operation string
	Cause     error
}

func (e *HostCallbackError) Error() string {
	return fmt.Sprintf("wapc: host callback %s/%s/%s failed: %s", e.Binding, e.Namespace, e.Operation, e.Cause)
}

func (e *HostCallbackError) Unwrap() error { return e.Cause }

// InvalidPayloadError indicates a request exceeded HostConfig.MaxPayloadSize.
type InvalidPayloadError struct {
	Size, Max int
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("wapc: payload of %d bytes exceeds maximum of %d", e.Size, e.Max)
}
