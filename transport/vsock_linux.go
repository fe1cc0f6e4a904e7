//go:build linux
// +build linux

package transport

import (
	"context"
	"fmt"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

// Dial implements Dialer.
func (d VsockDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := socket.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0, "vsock", nil)
	if err != nil {
		return nil, fmt.Errorf("creating vsock socket: %w", err)
	}
	if _, err := conn.Connect(ctx, &unix.SockaddrVM{CID: d.CID, Port: d.Port}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to %s: %w", d, err)
	}
	return conn, nil
}
