package verification

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

// DefaultRequiredPCRs are the registers checked even if the expectations do not list them:
// enclave image, kernel and bootstrap, and application.
var DefaultRequiredPCRs = []uint{0, 1, 2}

// Claim names used in MismatchError.
const (
	ClaimUserData = "user data"
	ClaimNonce    = "nonce"
)

// MismatchError is returned when a claim of the attestation document differs from the expected value.
type MismatchError struct {
	// Claim is the name of the claim, e.g. PCR1 or nonce.
	Claim    string
	Expected []byte
	Actual   []byte
	// Missing is true if the document does not carry the claim at all.
	Missing bool
}

func (e *MismatchError) Error() string {
	if e.Missing {
		return fmt.Sprintf("%s not found in attestation document", e.Claim)
	}
	return fmt.Sprintf("%s mismatch: expected %x, got %x", e.Claim, e.Expected, e.Actual)
}

// VerifyClaims checks the PCR values, user data and nonce of doc.
//
// The checked registers are required together with every register listed in expected.
// A required register without an expectation is skipped with a warning.
// User data and nonce must equal the challenge if the document carries them.
// If strict is set, a document that does not echo a non-empty challenge value fails.
func VerifyClaims(doc types.Document, challenge types.Challenge, expected measurements.Expected, required []uint, strict bool) (warnings []string, err error) {
	if !doc.Has(types.FieldPCRs) {
		return nil, errors.New("attestation document carries no PCR values")
	}

	for _, index := range pcrIndices(required, expected) {
		name := measurements.Name(index)
		want, ok := expected[index]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s not found in expected measurements", name))
			continue
		}
		got, ok := doc.PCRs[index]
		if !ok {
			return warnings, &MismatchError{Claim: name, Expected: want, Missing: true}
		}
		if !bytes.Equal(want, got) {
			return warnings, &MismatchError{Claim: name, Expected: want, Actual: got}
		}
	}

	bindings := []struct {
		claim    string
		field    string
		expected []byte
		actual   []byte
	}{
		{ClaimUserData, types.FieldUserData, challenge.UserData, doc.UserData},
		{ClaimNonce, types.FieldNonce, challenge.Nonce, doc.Nonce},
	}
	for _, b := range bindings {
		if !doc.Has(b.field) {
			if len(b.expected) == 0 {
				continue
			}
			if strict {
				return warnings, &MismatchError{Claim: b.claim, Expected: b.expected, Missing: true}
			}
			warnings = append(warnings, fmt.Sprintf("%s not found in attestation document", b.claim))
			continue
		}
		if !bytes.Equal(b.expected, b.actual) {
			return warnings, &MismatchError{Claim: b.claim, Expected: b.expected, Actual: b.actual}
		}
	}

	return warnings, nil
}

// pcrIndices returns the union of required and the registers listed in expected, in ascending order.
func pcrIndices(required []uint, expected measurements.Expected) []uint {
	seen := make(map[uint]bool, len(required)+len(expected))
	var indices []uint
	for _, i := range required {
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	for i := range expected {
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices
}
