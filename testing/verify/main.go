package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-verify/verification"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

// Verifies the files written by testing/generate in the working directory.
func main() {
	if err := testVerify(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func testVerify() error {
	encoded, err := os.ReadFile("attestation-document.dat")
	if err != nil {
		return err
	}
	rawDocument, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return err
	}
	encodedNonce, err := os.ReadFile("nonce")
	if err != nil {
		return err
	}
	nonce, err := base64.StdEncoding.DecodeString(string(encodedNonce))
	if err != nil {
		return err
	}
	userData, err := os.ReadFile("user-data")
	if err != nil {
		return err
	}

	verifier := verification.New(
		verification.WithTrustAnchorFile("root.pem"),
		verification.WithMeasurementsFile("expected-measurements.json"),
	)
	verdict := verifier.VerifyEvidence(rawDocument, types.Challenge{UserData: userData, Nonce: nonce})
	fmt.Println(verdict)
	if !verdict.OK {
		return verdict.Err
	}
	return nil
}
