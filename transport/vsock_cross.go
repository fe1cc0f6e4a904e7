//go:build !linux
// +build !linux

package transport

import (
	"context"
	"errors"
)

// Dial implements Dialer.
func (d VsockDialer) Dial(_ context.Context) (Conn, error) {
	return nil, errors.New("vsock connections are only supported on linux")
}
