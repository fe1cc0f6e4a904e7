//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// classifyErrno maps socket errnos to a Cause.
// A vsock peer without a listener resets the connection instead of refusing it,
// so a reset while dialing counts as refused.
func classifyErrno(err error, dialing bool) (Cause, bool) {
	switch {
	case errors.Is(err, unix.ETIMEDOUT):
		return CauseTimeout, true
	case errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EHOSTUNREACH),
		dialing && errors.Is(err, unix.ECONNRESET):
		return CauseRefused, true
	default:
		return 0, false
	}
}
