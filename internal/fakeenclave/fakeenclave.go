// Package fakeenclave serves attestation requests the way an enclave attestation server does,
// answering with documents issued by a test PKI.
package fakeenclave

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/edgelesssys/go-nitro-verify/internal/evidencetest"
	"github.com/edgelesssys/go-nitro-verify/transport"
	"github.com/golang/glog"
)

// Server answers attestation requests.
type Server struct {
	PKI  *evidencetest.PKI
	PCRs map[uint][]byte
	// Codec frames messages. Defaults to transport.LengthPrefixed.
	Codec transport.Codec
	// Mutate, if set, is applied to every document before it is signed.
	Mutate func(e *evidencetest.Evidence)
	// Error, if set, is sent instead of a document.
	Error string
}

// Serve accepts connections on lis until lis is closed.
// It waits for all open connections to be handled before returning.
func (s *Server) Serve(lis net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := lis.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := s.Handle(conn); err != nil {
				glog.Warningf("handling request from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Handle answers a single request on conn.
func (s *Server) Handle(conn net.Conn) error {
	codec := s.Codec
	if codec == nil {
		codec = transport.LengthPrefixed{}
	}

	req, err := codec.ReadRequest(conn, transport.DefaultMaxMessageSize)
	if err != nil {
		return codec.WriteResponse(conn, transport.Response{Error: "Invalid JSON request", Message: err.Error()})
	}
	glog.V(1).Infof("attestation request from %s", conn.RemoteAddr())

	resp := s.respond(req)
	if err := codec.WriteResponse(conn, resp); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (s *Server) respond(req transport.Request) transport.Response {
	if s.Error != "" {
		return transport.Response{Error: s.Error}
	}

	userData, err := base64.StdEncoding.DecodeString(req.UserData)
	if err != nil {
		return transport.Response{Error: "Invalid report-data encoding", Message: err.Error()}
	}
	nonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil {
		return transport.Response{Error: "Invalid nonce encoding", Message: err.Error()}
	}

	pcrs := s.PCRs
	if pcrs == nil {
		pcrs = evidencetest.PCRs()
	}
	evidence := s.PKI.NewEvidence(nilIfEmpty(userData), nilIfEmpty(nonce), pcrs)
	if s.Mutate != nil {
		s.Mutate(evidence)
	}
	document, err := evidence.Marshal()
	if err != nil {
		return transport.Response{Error: "Attestation failed", Message: err.Error()}
	}
	return transport.Response{Document: base64.StdEncoding.EncodeToString(document)}
}

// The NSM reports user data and nonce as null when none were given.
func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
