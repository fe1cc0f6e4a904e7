package verification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

// Stage identifies a step of the verification pipeline.
type Stage int

// Pipeline stages in execution order. StageConfig is reported whenever
// configuration needed by a stage cannot be loaded.
const (
	StageNone Stage = iota
	StageTransport
	StageDecode
	StageCertificate
	StageSignature
	StageChain
	StageClaims
	StageConfig
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageTransport:
		return "transport"
	case StageDecode:
		return "decode"
	case StageCertificate:
		return "certificate"
	case StageSignature:
		return "signature"
	case StageChain:
		return "chain"
	case StageClaims:
		return "claims"
	case StageConfig:
		return "config"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Sentinel errors, one per failure kind. A *VerificationError matches the
// sentinel of its stage with errors.Is.
var (
	ErrTransport        = errors.New("transport error")
	ErrDecode           = errors.New("decode error")
	ErrCertificate      = errors.New("certificate error")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrChainInvalid     = errors.New("certificate chain invalid")
	ErrClaimMismatch    = errors.New("claim mismatch")
	ErrConfig           = errors.New("configuration error")
)

func (s Stage) sentinel() error {
	switch s {
	case StageTransport:
		return ErrTransport
	case StageDecode:
		return ErrDecode
	case StageCertificate:
		return ErrCertificate
	case StageSignature:
		return ErrSignatureInvalid
	case StageChain:
		return ErrChainInvalid
	case StageClaims:
		return ErrClaimMismatch
	case StageConfig:
		return ErrConfig
	default:
		return nil
	}
}

// VerificationError is the error of a failed pipeline stage.
type VerificationError struct {
	Stage Stage
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage.sentinel(), e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel error of e's stage.
func (e *VerificationError) Is(target error) bool {
	sentinel := e.Stage.sentinel()
	return sentinel != nil && target == sentinel
}

// Verdict is the outcome of one verification run.
type Verdict struct {
	// OK is true if every stage passed.
	OK bool
	// Stage is the stage that failed. It is StageNone if OK is true.
	Stage Stage
	// Detail describes the failure.
	Detail string
	// Err is the *VerificationError of the failed stage.
	Err error
	// Warnings collects non fatal findings of all stages that ran.
	Warnings []string
	// Document is the decoded attestation document, if decoding got that far.
	// It is informational only unless OK is true.
	Document *types.Document
}

func (v Verdict) String() string {
	var b strings.Builder
	if v.OK {
		b.WriteString("PASS")
	} else {
		fmt.Fprintf(&b, "FAIL(%s): %s", v.Stage, v.Detail)
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(&b, "\nwarning: %s", w)
	}
	return b.String()
}

func pass(doc *types.Document, warnings []string) Verdict {
	return Verdict{OK: true, Document: doc, Warnings: warnings}
}

func fail(stage Stage, err error, doc *types.Document, warnings []string) Verdict {
	verr := &VerificationError{Stage: stage, Err: err}
	return Verdict{
		Stage:    stage,
		Detail:   err.Error(),
		Err:      verr,
		Warnings: warnings,
		Document: doc,
	}
}
