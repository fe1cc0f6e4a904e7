package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Cause classifies why an evidence request failed.
type Cause int

const (
	// CauseConnect is any connection failure not covered by a more specific cause.
	CauseConnect Cause = iota
	// CauseTimeout means the exchange did not finish before the deadline.
	CauseTimeout
	// CauseRefused means nothing accepted the connection.
	CauseRefused
	// CauseNoResponse means the enclave closed the connection without answering.
	CauseNoResponse
	// CauseEnclave means the enclave answered with an error.
	CauseEnclave
	// CauseMalformedResponse means the answer could not be decoded.
	CauseMalformedResponse
	// CauseInvalidRequest means the challenge cannot be sent.
	CauseInvalidRequest
)

func (c Cause) String() string {
	switch c {
	case CauseConnect:
		return "connection failed"
	case CauseTimeout:
		return "connection timeout - enclave may not be running"
	case CauseRefused:
		return "connection refused - check if enclave is running and CID is correct"
	case CauseNoResponse:
		return "no response received from enclave"
	case CauseEnclave:
		return "enclave error"
	case CauseMalformedResponse:
		return "malformed response from enclave"
	case CauseInvalidRequest:
		return "invalid request"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// Error is returned for every failed evidence request.
type Error struct {
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Cause.String()
	}
	return fmt.Sprintf("%s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps a connection level error to its Cause.
func classify(err error, dialing bool) Cause {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return CauseTimeout
	case errors.Is(err, errEmptyResponse):
		return CauseNoResponse
	}
	if cause, ok := classifyErrno(err, dialing); ok {
		return cause
	}
	return CauseConnect
}
