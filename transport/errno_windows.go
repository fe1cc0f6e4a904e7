//go:build windows

package transport

import (
	"errors"

	"golang.org/x/sys/windows"
)

func classifyErrno(err error, _ bool) (Cause, bool) {
	switch {
	case errors.Is(err, windows.WSAETIMEDOUT):
		return CauseTimeout, true
	case errors.Is(err, windows.WSAECONNREFUSED),
		errors.Is(err, windows.WSAEHOSTUNREACH):
		return CauseRefused, true
	default:
		return 0, false
	}
}
