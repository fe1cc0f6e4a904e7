/*
# AWS Nitro Enclaves Attestation Verification

This package verifies attestation documents produced by the Nitro Secure Module (NSM)
of an AWS Nitro Enclave, before a relying party trusts any data or key material the
enclave asserts.

Verification of an attestation document follows these steps, in order.
The first failing step ends the run:

  - Transport: request a document bound to a fresh challenge from the enclave.

  - Decode: parse the COSE_Sign1 envelope and decode the nested CBOR payload.

  - Certificate: parse the leaf certificate carried in the payload.

  - Signature: verify the ES384 signature over the COSE Sig_structure with the leaf key.

  - Chain: verify the leaf chains to the configured trust anchor through the cabundle.

  - Claims: compare PCR values with the expected measurements, and user data and nonce
    with the challenge.

Every run ends in a [Verdict]. Failures are reported as a [*VerificationError] whose
stage can be matched with errors.Is against the package's sentinel errors.
*/
package verification

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edgelesssys/go-nitro-verify/verification/chain"
	"github.com/edgelesssys/go-nitro-verify/verification/crypto"
	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
	"k8s.io/utils/clock"
)

// Requester retrieves a raw attestation document bound to a challenge.
// *transport.Client implements Requester.
type Requester interface {
	RequestEvidence(ctx context.Context, challenge types.Challenge) ([]byte, error)
}

// Verifier verifies Nitro attestation documents.
// After New returns, a Verifier is read-only and safe for concurrent use,
// provided its Observer is.
type Verifier struct {
	anchor       *x509.Certificate
	anchorFile   string
	measurements measurements.Source
	required     []uint
	clock        clock.PassiveClock
	documentTime bool
	strict       bool
	observer     Observer
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTrustAnchor sets the root certificate documents must chain to.
// Defaults to the AWS Nitro Enclaves root certificate.
func WithTrustAnchor(anchor *x509.Certificate) Option {
	return func(v *Verifier) {
		v.anchor = anchor
		v.anchorFile = ""
	}
}

// WithTrustAnchorFile reads the root certificate from a PEM file on every run.
func WithTrustAnchorFile(path string) Option {
	return func(v *Verifier) {
		v.anchorFile = path
		v.anchor = nil
	}
}

// WithMeasurements sets the expected PCR values.
func WithMeasurements(expected measurements.Expected) Option {
	return func(v *Verifier) {
		v.measurements = measurements.Static(expected.Clone())
	}
}

// WithMeasurementsFile reads the expected PCR values from a file on every run.
func WithMeasurementsFile(path string) Option {
	return func(v *Verifier) {
		v.measurements = measurements.File(path)
	}
}

// WithMeasurementSource sets where expected PCR values come from.
func WithMeasurementSource(source measurements.Source) Option {
	return func(v *Verifier) {
		v.measurements = source
	}
}

// WithRequiredPCRs adds registers that are checked even if the expectations do not list them.
// PCR0, PCR1 and PCR2 are always required.
func WithRequiredPCRs(indices ...uint) Option {
	return func(v *Verifier) {
		v.required = append(v.required, indices...)
	}
}

// WithClock sets the clock certificate validity is checked against.
func WithClock(c clock.PassiveClock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

// WithDocumentTime checks certificate validity at the time the document was created
// instead of the current time. Use it to verify previously saved documents.
func WithDocumentTime() Option {
	return func(v *Verifier) {
		v.documentTime = true
	}
}

// WithStrictBinding fails documents that do not echo the challenge's user data or nonce.
func WithStrictBinding() Option {
	return func(v *Verifier) {
		v.strict = true
	}
}

// WithObserver sets the Observer notified after every stage.
func WithObserver(observer Observer) Option {
	return func(v *Verifier) {
		v.observer = observer
	}
}

// New returns a Verifier configured by opts.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		required: append([]uint(nil), DefaultRequiredPCRs...),
		clock:    clock.RealClock{},
		observer: LogObserver{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Attest requests a document bound to challenge from requester and verifies it.
func (v *Verifier) Attest(ctx context.Context, requester Requester, challenge types.Challenge) Verdict {
	r := v.newRun()

	var raw []byte
	if err := r.stage(StageTransport, func() error {
		var err error
		raw, err = requester.RequestEvidence(ctx, challenge)
		return err
	}); err != nil {
		return r.verdict
	}

	return r.verify(raw, challenge)
}

// VerifyEvidence verifies a raw attestation document against challenge.
func (v *Verifier) VerifyEvidence(rawDocument []byte, challenge types.Challenge) Verdict {
	return v.newRun().verify(rawDocument, challenge)
}

// run holds the state of a single verification run.
type run struct {
	v        *Verifier
	warnings []string
	doc      *types.Document
	verdict  Verdict
}

func (v *Verifier) newRun() *run {
	return &run{v: v}
}

func (r *run) verify(raw []byte, challenge types.Challenge) Verdict {
	var envelope types.SignedEnvelope
	if err := r.stage(StageDecode, func() error {
		var err error
		envelope, err = types.ParseEnvelope(raw)
		if err != nil {
			return fmt.Errorf("parsing envelope: %w", err)
		}
		payload, err := types.DecodePayload(envelope.Payload)
		if err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		if payload.State != types.PayloadDecoded {
			return fmt.Errorf("payload is opaque: %s", payload.Reason)
		}
		r.doc = &payload.Document
		return nil
	}); err != nil {
		return r.verdict
	}
	doc := *r.doc

	var leaf *x509.Certificate
	if err := r.stage(StageCertificate, func() error {
		var err error
		leaf, err = ParseLeafCertificate(doc)
		return err
	}); err != nil {
		return r.verdict
	}

	if err := r.stage(StageSignature, func() error {
		return VerifySignature(envelope, leaf)
	}); err != nil {
		return r.verdict
	}

	if err := r.stage(StageChain, func() error {
		return r.v.verifyChain(doc)
	}); err != nil {
		return r.verdict
	}

	if err := r.stage(StageClaims, func() error {
		expected, err := r.v.loadMeasurements()
		if err != nil {
			return err
		}
		warnings, err := VerifyClaims(doc, challenge, expected, r.v.required, r.v.strict)
		r.warnings = append(r.warnings, warnings...)
		return err
	}); err != nil {
		return r.verdict
	}

	return pass(r.doc, r.warnings)
}

// stage runs fn as the given stage and reports its outcome to the observer.
// On failure the run's verdict is set and the error is returned.
func (r *run) stage(stage Stage, fn func() error) (err error) {
	start := r.v.clock.Now()
	warningsBefore := len(r.warnings)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("internal error: %v", p)
		}
		if err != nil {
			stage = stageOf(stage, err)
			r.verdict = fail(stage, err, r.doc, r.warnings)
		}
		event := StageEvent{
			Stage:    stage,
			OK:       err == nil,
			Warnings: r.warnings[warningsBefore:],
			Duration: r.v.clock.Since(start),
		}
		if err != nil {
			event.Detail = err.Error()
		}
		r.v.observer.StageDone(event)
	}()

	return fn()
}

// stageOf refines the stage a failure is reported for.
func stageOf(stage Stage, err error) Stage {
	var cfgErr *configError
	switch {
	case errors.As(err, &cfgErr):
		return StageConfig
	case errors.Is(err, chain.ErrMalformedCertificate):
		return StageCertificate
	default:
		return stage
	}
}

// configError marks failures caused by missing or unreadable configuration.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func (v *Verifier) verifyChain(doc types.Document) error {
	anchor, err := v.loadTrustAnchor()
	if err != nil {
		return err
	}
	verifier, err := chain.New(anchor, chain.WithClock(v.clock))
	if err != nil {
		return &configError{err: err}
	}

	var at time.Time
	if v.documentTime {
		if !doc.Has(types.FieldTimestamp) {
			return errors.New("attestation document carries no timestamp")
		}
		at = doc.CreatedAt()
	}

	if _, err := verifier.Verify(doc.Certificate, doc.CABundle, at); err != nil {
		return err
	}
	return nil
}

func (v *Verifier) loadTrustAnchor() (*x509.Certificate, error) {
	if v.anchor != nil {
		return v.anchor, nil
	}
	if v.anchorFile != "" {
		data, err := os.ReadFile(v.anchorFile)
		if err != nil {
			return nil, &configError{err: fmt.Errorf("reading trust anchor: %w", err)}
		}
		anchor, err := crypto.ParsePEMCertificate(data)
		if err != nil {
			return nil, &configError{err: fmt.Errorf("parsing trust anchor %q: %w", v.anchorFile, err)}
		}
		return anchor, nil
	}
	anchor, err := chain.AWSNitroRoot()
	if err != nil {
		return nil, &configError{err: err}
	}
	return anchor, nil
}

func (v *Verifier) loadMeasurements() (measurements.Expected, error) {
	if v.measurements == nil {
		return nil, &configError{err: errors.New("no expected measurements configured")}
	}
	expected, err := v.measurements.Load()
	if err != nil {
		return nil, &configError{err: fmt.Errorf("loading expected measurements: %w", err)}
	}
	return expected, nil
}
