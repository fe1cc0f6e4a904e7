package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/edgelesssys/go-nitro-verify/internal/evidencetest"
	"github.com/edgelesssys/go-nitro-verify/internal/fakeenclave"
	"github.com/edgelesssys/go-nitro-verify/transport"
	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/golang/glog"
)

// Serves attestation documents from a throwaway PKI over TCP, for trying
// the verifier without a Nitro Enclave:
//
//	go run ./testing/fakeEnclave -listen 127.0.0.1:5000 -out /tmp/fake
//	nitro-verify verify --address 127.0.0.1:5000 --root-cert /tmp/fake/root.pem --measurements /tmp/fake/expected-measurements.json
func main() {
	listen := flag.String("listen", "127.0.0.1:5000", "address to listen on")
	out := flag.String("out", ".", "directory to write root.pem and expected-measurements.json to")
	framing := flag.String("framing", "", "message framing: length-prefixed or json")
	flag.Parse()

	if err := serve(*listen, *out, *framing); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(listen, out, framing string) error {
	codec, err := transport.ParseFraming(framing)
	if err != nil {
		return err
	}

	pki, err := evidencetest.NewPKI(time.Now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return err
	}
	pcrs := evidencetest.PCRs()
	expected, err := measurements.Expected{0: pcrs[0], 1: pcrs[1], 2: pcrs[2]}.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(out, "root.pem"), pki.RootPEM(), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(out, "expected-measurements.json"), expected, 0o644); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	glog.Infof("fake enclave listening on %s", lis.Addr())

	server := &fakeenclave.Server{PKI: pki, PCRs: pcrs, Codec: codec}
	return server.Serve(lis)
}
