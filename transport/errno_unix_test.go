//go:build unix

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	testCases := map[string]struct {
		err     error
		dialing bool
		want    Cause
	}{
		"deadline": {
			err:  context.DeadlineExceeded,
			want: CauseTimeout,
		},
		"errno timeout": {
			err:  &net.OpError{Op: "read", Err: os.NewSyscallError("read", unix.ETIMEDOUT)},
			want: CauseTimeout,
		},
		"refused": {
			err:     &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", unix.ECONNREFUSED)},
			dialing: true,
			want:    CauseRefused,
		},
		"no vsock device": {
			err:     fmt.Errorf("connecting: %w", unix.ENODEV),
			dialing: true,
			want:    CauseRefused,
		},
		"reset while dialing": {
			err:     unix.ECONNRESET,
			dialing: true,
			want:    CauseRefused,
		},
		"reset after connecting": {
			err:  unix.ECONNRESET,
			want: CauseConnect,
		},
		"empty response": {
			err:  fmt.Errorf("reading response: %w", errEmptyResponse),
			want: CauseNoResponse,
		},
		"other": {
			err:  unix.EPIPE,
			want: CauseConnect,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err, tc.dialing))
		})
	}
}
