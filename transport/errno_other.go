//go:build !unix && !windows

package transport

func classifyErrno(error, bool) (Cause, bool) {
	return 0, false
}
