package wapc

import "sync/atomic"

// HostId uniquely identifies a Host for the lifetime of the process. It is
// assigned from a process-wide monotonically increasing counter and is never
// reused, so callers (loggers, the user-supplied Host Callback) can
// correlate activity across hosts.
type HostId uint64

// hostIDCounter is the sole cross-goroutine shared mutable global in the
// protocol core; every other piece of state is owned exclusively by a
// single Host or Worker.
var hostIDCounter uint64

// nextHostID issues the next HostId in the process-wide sequence.
func nextHostID() HostId {
	return HostId(atomic.AddUint64(&hostIDCounter, 1))
}
