package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/edgelesssys/go-nitro-verify/internal/evidencetest"
	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

func main() {
	if err := generateDocument(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// generateDocument writes a document signed by a throwaway PKI together with
// the files needed to verify it.
func generateDocument() error {
	pki, err := evidencetest.NewPKI(time.Now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return err
	}

	challenge, err := types.NewChallenge([]byte("Hello from Edgeless Systems!"))
	if err != nil {
		return err
	}

	pcrs := evidencetest.PCRs()
	document, err := pki.NewEvidence(challenge.UserData, challenge.Nonce, pcrs).Marshal()
	if err != nil {
		return err
	}
	expected, err := measurements.Expected{0: pcrs[0], 1: pcrs[1], 2: pcrs[2]}.Marshal()
	if err != nil {
		return err
	}

	files := map[string][]byte{
		"attestation-document.dat":   []byte(base64.StdEncoding.EncodeToString(document)),
		"nonce":                      []byte(base64.StdEncoding.EncodeToString(challenge.Nonce)),
		"user-data":                  challenge.UserData,
		"root.pem":                   pki.RootPEM(),
		"expected-measurements.json": expected,
	}
	for name, data := range files {
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return err
		}
	}
	log.Println("Successfully written attestation document")

	return nil
}
