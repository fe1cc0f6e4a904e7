/*
Package transport requests attestation documents from an enclave over a local socket.

A request is a single exchange on a fresh connection:

	relying party                         enclave
	      │  Request{user-data, nonce}       │
	      │ ───────────────────────────────► │
	      │                                  │ NSM attestation
	      │  Response{document | error}      │
	      │ ◄─────────────────────────────── │
	      ▼  close                           ▼

Messages are JSON. How they are delimited on the connection is decided by a [Codec].
The whole exchange is bounded by a timeout and never retried.
*/
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

const (
	// DefaultTimeout bounds a whole request, from dialing to the last byte of the response.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxMessageSize is the largest response accepted.
	DefaultMaxMessageSize = 64 * 1024
)

// Conn is a connection to an enclave.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens connections to an enclave.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// NetDialer dials an enclave through a regular network socket,
// e.g. a vsock proxy listening on TCP or a unix socket.
type NetDialer struct {
	Network string
	Address string
}

// Dial implements Dialer.
func (d NetDialer) Dial(ctx context.Context) (Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, d.Network, d.Address)
}

func (d NetDialer) String() string {
	return d.Network + "://" + d.Address
}

// Client requests attestation documents.
type Client struct {
	dialer         Dialer
	timeout        time.Duration
	codec          Codec
	maxMessageSize int
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the timeout of a whole request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithCodec sets how messages are framed on the connection.
func WithCodec(codec Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithMaxMessageSize sets the largest response accepted.
func WithMaxMessageSize(size int) Option {
	return func(c *Client) {
		c.maxMessageSize = size
	}
}

// New returns a Client requesting documents through dialer.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:         dialer,
		timeout:        DefaultTimeout,
		codec:          LengthPrefixed{},
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestEvidence sends challenge to the enclave and returns the raw attestation document.
// All failures are returned as *Error.
func (c *Client) RequestEvidence(ctx context.Context, challenge types.Challenge) ([]byte, error) {
	if err := challenge.Validate(); err != nil {
		return nil, &Error{Cause: CauseInvalidRequest, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, &Error{Cause: classify(err, true), Err: fmt.Errorf("dialing enclave: %w", err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, &Error{Cause: CauseConnect, Err: fmt.Errorf("setting deadline: %w", err)}
		}
	}
	// Unblock pending reads and writes when ctx is canceled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	req := Request{
		UserData: base64.StdEncoding.EncodeToString(challenge.UserData),
		Nonce:    base64.StdEncoding.EncodeToString(challenge.Nonce),
	}
	if err := c.codec.WriteRequest(conn, req); err != nil {
		return nil, &Error{Cause: classify(err, false), Err: fmt.Errorf("sending request: %w", err)}
	}

	resp, err := c.codec.ReadResponse(conn, c.maxMessageSize)
	if err != nil {
		cause := classify(err, false)
		if cause == CauseConnect {
			cause = CauseMalformedResponse
		}
		return nil, &Error{Cause: cause, Err: fmt.Errorf("reading response: %w", err)}
	}

	return decodeResponse(resp)
}

func decodeResponse(resp Response) ([]byte, error) {
	if resp.Error != "" {
		err := errors.New(resp.Error)
		if resp.Message != "" {
			err = fmt.Errorf("%s: %s", resp.Error, resp.Message)
		}
		if resp.Status != "" {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &Error{Cause: CauseEnclave, Err: err}
	}
	if resp.Document == "" {
		return nil, &Error{Cause: CauseNoResponse, Err: errors.New("response carries no document")}
	}
	document, err := base64.StdEncoding.DecodeString(resp.Document)
	if err != nil {
		return nil, &Error{Cause: CauseMalformedResponse, Err: fmt.Errorf("decoding document: %w", err)}
	}
	return document, nil
}
