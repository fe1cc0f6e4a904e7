package verification

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/edgelesssys/go-nitro-verify/internal/evidencetest"
	"github.com/edgelesssys/go-nitro-verify/internal/fakeenclave"
	"github.com/edgelesssys/go-nitro-verify/transport"
	"github.com/edgelesssys/go-nitro-verify/verification/chain"
	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testclock "k8s.io/utils/clock/testing"
)

var issueDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	pki       *evidencetest.PKI
	other     *evidencetest.PKI
	challenge types.Challenge
	expected  measurements.Expected
}

func newFixture(t testing.TB) fixture {
	t.Helper()
	challenge, err := types.NewChallenge([]byte("hello"))
	require.NoError(t, err)

	pcrs := evidencetest.PCRs()
	return fixture{
		pki:       evidencetest.MustNewPKI(issueDate),
		other:     evidencetest.MustNewPKI(issueDate),
		challenge: challenge,
		expected:  measurements.Expected{0: pcrs[0], 1: pcrs[1], 2: pcrs[2]},
	}
}

func (f fixture) evidence() *evidencetest.Evidence {
	return f.pki.NewEvidence(f.challenge.UserData, f.challenge.Nonce, evidencetest.PCRs())
}

func (f fixture) verifier(opts ...Option) *Verifier {
	defaults := []Option{
		WithTrustAnchor(f.pki.Root),
		WithMeasurements(f.expected),
		WithClock(testclock.NewFakeClock(issueDate)),
		WithObserver(NopObserver{}),
	}
	return New(append(defaults, opts...)...)
}

func TestVerifyEvidence(t *testing.T) {
	f := newFixture(t)

	p256Leaf, p256Key, err := evidencetest.NewCertificate(evidencetest.CertOptions{
		CommonName: "leaf",
		NotBefore:  issueDate.Add(-time.Hour),
		NotAfter:   issueDate.Add(time.Hour),
		Curve:      elliptic.P256(),
	}, f.pki.Intermediate, f.pki.IntermediateKey)
	require.NoError(t, err)

	testCases := map[string]struct {
		mutate          func(e *evidencetest.Evidence)
		challenge       *types.Challenge
		opts            []Option
		wantOK          bool
		wantStage       Stage
		wantClaim       string
		wantLink        int
		wantWarnings    int
		wantNonceAbsent bool
	}{
		"valid document": {
			wantOK: true,
		},
		"untagged envelope": {
			mutate: func(e *evidencetest.Evidence) { e.Tagged = false },
			wantOK: true,
		},
		"anchor in cabundle": {
			mutate: func(e *evidencetest.Evidence) {
				e.Set("cabundle", [][]byte{f.pki.Root.Raw, f.pki.Intermediate.Raw})
			},
			wantOK: true,
		},
		"PCR1 flipped": {
			mutate: func(e *evidencetest.Evidence) {
				pcrs := evidencetest.PCRs()
				pcrs[1][0] ^= 0x01
				e.Set("pcrs", pcrs)
			},
			wantStage: StageClaims,
			wantClaim: "PCR1",
		},
		"PCR2 missing from document": {
			mutate: func(e *evidencetest.Evidence) {
				pcrs := evidencetest.PCRs()
				delete(pcrs, 2)
				e.Set("pcrs", pcrs)
			},
			wantStage: StageClaims,
			wantClaim: "PCR2",
		},
		"no PCRs": {
			mutate:    func(e *evidencetest.Evidence) { e.Delete("pcrs") },
			wantStage: StageClaims,
		},
		"additional expected register mismatches": {
			opts:      []Option{WithMeasurements(measurements.Expected{0: f.expected[0], 3: bytes.Repeat([]byte{0x01}, 48)})},
			wantStage: StageClaims,
			wantClaim: "PCR3",
			// PCR1 and PCR2 are required but not expected.
			wantWarnings: 2,
		},
		"required register without expectation": {
			opts:         []Option{WithRequiredPCRs(4)},
			wantOK:       true,
			wantWarnings: 1,
		},
		"nonce mismatch": {
			challenge: &types.Challenge{UserData: f.challenge.UserData, Nonce: bytes.Repeat([]byte{0x00}, types.NonceSize)},
			wantStage: StageClaims,
			wantClaim: ClaimNonce,
		},
		"user data mismatch": {
			challenge: &types.Challenge{UserData: []byte("hellO"), Nonce: f.challenge.Nonce},
			wantStage: StageClaims,
			wantClaim: ClaimUserData,
		},
		"nonce not echoed": {
			mutate:          func(e *evidencetest.Evidence) { e.Set("nonce", nil) },
			wantOK:          true,
			wantWarnings:    1,
			wantNonceAbsent: true,
		},
		"nonce not echoed with strict binding": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("nonce", nil) },
			opts:      []Option{WithStrictBinding()},
			wantStage: StageClaims,
			wantClaim: ClaimNonce,
		},
		"user data not echoed with strict binding": {
			mutate:    func(e *evidencetest.Evidence) { e.Delete("user_data") },
			opts:      []Option{WithStrictBinding()},
			wantStage: StageClaims,
			wantClaim: ClaimUserData,
		},
		"payload tampered after signing": {
			mutate: func(e *evidencetest.Evidence) {
				e.Tamper = func(payload []byte) []byte {
					return bytes.Replace(payload, []byte("enc0123456789abcdef"), []byte("enc0123456789abcdee"), 1)
				}
			},
			wantStage: StageSignature,
		},
		"signed by foreign key": {
			mutate:    func(e *evidencetest.Evidence) { e.SigningKey = f.other.LeafKey },
			wantStage: StageSignature,
		},
		"algorithm downgrade": {
			mutate:    func(e *evidencetest.Evidence) { e.Algorithm = -7 },
			wantStage: StageSignature,
		},
		"leaf key is not P-384": {
			mutate: func(e *evidencetest.Evidence) {
				e.Set("certificate", p256Leaf.Raw)
				e.SigningKey = p256Key
			},
			wantStage: StageSignature,
		},
		"self consistent foreign leaf": {
			mutate: func(e *evidencetest.Evidence) {
				e.Set("certificate", f.other.Leaf.Raw)
				e.SigningKey = f.other.LeafKey
			},
			wantStage: StageChain,
			wantLink:  2,
		},
		"foreign cabundle": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("cabundle", f.other.CABundle()) },
			wantStage: StageChain,
			wantLink:  1,
		},
		"empty cabundle": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("cabundle", [][]byte{}) },
			wantStage: StageChain,
			wantLink:  1,
		},
		"untrusted anchor": {
			opts:      []Option{WithTrustAnchor(f.other.Root)},
			wantStage: StageChain,
			wantLink:  1,
		},
		"leaf expired": {
			opts:      []Option{WithClock(testclock.NewFakeClock(issueDate.Add(4 * time.Hour)))},
			wantStage: StageChain,
			wantLink:  2,
		},
		"leaf expired but valid at document time": {
			opts:   []Option{WithClock(testclock.NewFakeClock(issueDate.Add(4 * time.Hour))), WithDocumentTime()},
			wantOK: true,
		},
		"missing certificate": {
			mutate:    func(e *evidencetest.Evidence) { e.Delete("certificate") },
			wantStage: StageCertificate,
		},
		"malformed certificate": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("certificate", []byte("not DER")) },
			wantStage: StageCertificate,
		},
		"malformed cabundle entry": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("cabundle", [][]byte{[]byte("not DER")}) },
			wantStage: StageCertificate,
		},
		"opaque payload": {
			mutate: func(e *evidencetest.Evidence) {
				e.RawPayload, _ = cbor.Marshal([]byte("not a map"))
			},
			wantStage: StageDecode,
		},
		"wrongly typed field": {
			mutate:    func(e *evidencetest.Evidence) { e.Set("timestamp", "now") },
			wantStage: StageDecode,
		},
		"no measurements configured": {
			opts:      []Option{WithMeasurements(nil)},
			wantStage: StageConfig,
		},
		"measurements file missing": {
			opts:      []Option{WithMeasurementsFile(filepath.Join(t.TempDir(), "missing.json"))},
			wantStage: StageConfig,
		},
		"trust anchor file missing": {
			opts:      []Option{WithTrustAnchorFile(filepath.Join(t.TempDir(), "missing.pem"))},
			wantStage: StageConfig,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			evidence := f.evidence()
			if tc.mutate != nil {
				tc.mutate(evidence)
			}
			raw, err := evidence.Marshal()
			require.NoError(err)

			challenge := f.challenge
			if tc.challenge != nil {
				challenge = *tc.challenge
			}

			verdict := f.verifier(tc.opts...).VerifyEvidence(raw, challenge)
			assert.Len(verdict.Warnings, tc.wantWarnings, "warnings: %v", verdict.Warnings)
			if tc.wantOK {
				assert.True(verdict.OK, verdict.String())
				assert.Equal(StageNone, verdict.Stage)
				assert.NoError(verdict.Err)
				require.NotNil(verdict.Document)
				if tc.wantNonceAbsent {
					assert.False(verdict.Document.Has(types.FieldNonce))
					return
				}
				assert.Equal(challenge.Nonce, verdict.Document.Nonce)
				return
			}

			assert.False(verdict.OK)
			assert.Equal(tc.wantStage, verdict.Stage, verdict.String())
			assert.ErrorIs(verdict.Err, tc.wantStage.sentinel())
			assert.NotEmpty(verdict.Detail)

			var verr *VerificationError
			require.ErrorAs(verdict.Err, &verr)
			assert.Equal(tc.wantStage, verr.Stage)

			if tc.wantClaim != "" {
				var mismatch *MismatchError
				require.ErrorAs(verdict.Err, &mismatch)
				assert.Equal(tc.wantClaim, mismatch.Claim)
			}
			if tc.wantLink != 0 {
				var linkErr *chain.LinkError
				require.ErrorAs(verdict.Err, &linkErr)
				assert.Equal(tc.wantLink, linkErr.Link)
			}
		})
	}
}

func TestVerifyEvidenceMalformedInput(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()

	for name, raw := range map[string][]byte{
		"empty":           nil,
		"not CBOR":        []byte("{\"document\": \"abc\"}"),
		"wrong structure": {0x83, 0x40, 0xa0, 0x40},
	} {
		t.Run(name, func(t *testing.T) {
			verdict := v.VerifyEvidence(raw, f.challenge)
			assert.False(t, verdict.OK)
			assert.Equal(t, StageDecode, verdict.Stage)
			assert.ErrorIs(t, verdict.Err, ErrDecode)
			assert.Nil(t, verdict.Document)
		})
	}
}

// TestAttest runs the full pipeline against an enclave served over TCP:
// user data "hello", a 64 byte nonce, three expected registers loaded from
// a file and an anchor, intermediate, leaf chain.
func TestAttest(t *testing.T) {
	f := newFixture(t)

	dir := t.TempDir()
	measurementsPath := filepath.Join(dir, "expected-measurements.json")
	data, err := f.expected.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(measurementsPath, data, 0o644))
	anchorPath := filepath.Join(dir, "root.pem")
	require.NoError(t, os.WriteFile(anchorPath, f.pki.RootPEM(), 0o644))

	verifier := New(
		WithTrustAnchorFile(anchorPath),
		WithMeasurementsFile(measurementsPath),
		WithClock(testclock.NewFakeClock(issueDate)),
		WithObserver(NopObserver{}),
	)

	testCases := map[string]struct {
		server    *fakeenclave.Server
		wantOK    bool
		wantStage Stage
		wantClaim string
	}{
		"pass": {
			server: &fakeenclave.Server{PKI: f.pki},
			wantOK: true,
		},
		"PCR1 flipped": {
			server: &fakeenclave.Server{PKI: f.pki, Mutate: func(e *evidencetest.Evidence) {
				pcrs := evidencetest.PCRs()
				pcrs[1][len(pcrs[1])-1] ^= 0xff
				e.Set("pcrs", pcrs)
			}},
			wantStage: StageClaims,
			wantClaim: "PCR1",
		},
		"enclave error": {
			server:    &fakeenclave.Server{PKI: f.pki, Error: "NSM device not available"},
			wantStage: StageTransport,
		},
		"replayed nonce": {
			server: &fakeenclave.Server{PKI: f.pki, Mutate: func(e *evidencetest.Evidence) {
				e.Set("nonce", bytes.Repeat([]byte{0x42}, types.NonceSize))
			}},
			wantStage: StageClaims,
			wantClaim: ClaimNonce,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			addr := serveEnclave(t, tc.server)
			client := transport.New(transport.NetDialer{Network: "tcp", Address: addr}, transport.WithTimeout(5*time.Second))

			verdict := verifier.Attest(context.Background(), client, f.challenge)
			if tc.wantOK {
				assert.True(verdict.OK, verdict.String())
				assert.Equal("PASS", verdict.String())
				return
			}
			assert.False(verdict.OK)
			assert.Equal(tc.wantStage, verdict.Stage, verdict.String())
			if tc.wantClaim != "" {
				var mismatch *MismatchError
				if assert.ErrorAs(verdict.Err, &mismatch) {
					assert.Equal(tc.wantClaim, mismatch.Claim)
				}
				assert.Contains(verdict.String(), "FAIL(claims): "+tc.wantClaim)
			}
		})
	}
}

func TestAttestTransportFailure(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	var events []StageEvent
	v := f.verifier(WithObserver(ObserverFunc(func(e StageEvent) { events = append(events, e) })))

	transportErr := &transport.Error{Cause: transport.CauseTimeout}
	verdict := v.Attest(context.Background(), requesterFunc(func(context.Context, types.Challenge) ([]byte, error) {
		return nil, transportErr
	}), f.challenge)

	assert.False(verdict.OK)
	assert.Equal(StageTransport, verdict.Stage)
	assert.ErrorIs(verdict.Err, ErrTransport)
	assert.ErrorIs(verdict.Err, transportErr)
	assert.Equal("FAIL(transport): connection timeout - enclave may not be running", verdict.String())
	if assert.Len(events, 1) {
		assert.Equal(StageTransport, events[0].Stage)
		assert.False(events[0].OK)
	}
}

func TestObserverEvents(t *testing.T) {
	f := newFixture(t)

	testCases := map[string]struct {
		mutate     func(e *evidencetest.Evidence)
		wantStages []Stage
		wantFailed bool
	}{
		"all stages pass": {
			wantStages: []Stage{StageTransport, StageDecode, StageCertificate, StageSignature, StageChain, StageClaims},
		},
		"later stages do not run after a failure": {
			mutate:     func(e *evidencetest.Evidence) { e.SigningKey = f.other.LeafKey },
			wantStages: []Stage{StageTransport, StageDecode, StageCertificate, StageSignature},
			wantFailed: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			evidence := f.evidence()
			if tc.mutate != nil {
				tc.mutate(evidence)
			}
			raw := evidence.MustMarshal()

			var events []StageEvent
			v := f.verifier(WithObserver(ObserverFunc(func(e StageEvent) { events = append(events, e) })))
			verdict := v.Attest(context.Background(), requesterFunc(func(context.Context, types.Challenge) ([]byte, error) {
				return raw, nil
			}), f.challenge)

			var stages []Stage
			for _, e := range events {
				stages = append(stages, e.Stage)
			}
			assert.Equal(tc.wantStages, stages)
			assert.Equal(!tc.wantFailed, verdict.OK)
			for i, e := range events {
				last := i == len(events)-1
				assert.Equal(!(last && tc.wantFailed), e.OK, "stage %s", e.Stage)
			}
		})
	}
}

func TestVerifyEvidenceIdempotent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	v := f.verifier()

	for _, raw := range [][]byte{f.evidence().MustMarshal(), f.evidence().Set("nonce", []byte("other")).MustMarshal()} {
		original := bytes.Clone(raw)
		first := v.VerifyEvidence(raw, f.challenge)
		second := v.VerifyEvidence(raw, f.challenge)

		assert.Equal(first.OK, second.OK)
		assert.Equal(first.Stage, second.Stage)
		assert.Equal(first.Detail, second.Detail)
		assert.Equal(first.Warnings, second.Warnings)
		assert.Equal(original, raw, "verification must not modify the document")
	}
}

func TestVerifyEvidenceConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	v := f.verifier()
	good := f.evidence().MustMarshal()
	bad := f.evidence().Set("user_data", []byte("bye")).MustMarshal()

	var wg sync.WaitGroup
	results := make([]Verdict, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := good
			if i%2 == 1 {
				raw = bad
			}
			results[i] = v.VerifyEvidence(raw, f.challenge)
		}(i)
	}
	wg.Wait()

	for i, verdict := range results {
		if i%2 == 0 {
			assert.True(t, verdict.OK, "run %d: %s", i, verdict)
		} else {
			assert.Equal(t, StageClaims, verdict.Stage, "run %d: %s", i, verdict)
		}
	}
}

func TestVerifyClaims(t *testing.T) {
	pcrs := evidencetest.PCRs()
	challenge := types.Challenge{UserData: []byte("hello"), Nonce: []byte("nonce")}
	doc := types.Document{PCRs: pcrs, UserData: []byte("hello"), Nonce: []byte("nonce")}

	testCases := map[string]struct {
		doc          types.Document
		challenge    types.Challenge
		expected     measurements.Expected
		required     []uint
		strict       bool
		wantClaim    string
		wantErr      bool
		wantWarnings []string
	}{
		"all match": {
			doc:       doc,
			challenge: challenge,
			expected:  measurements.Expected{0: pcrs[0], 1: pcrs[1], 2: pcrs[2]},
			required:  DefaultRequiredPCRs,
		},
		"prefix is not a match": {
			doc:       doc,
			challenge: challenge,
			expected:  measurements.Expected{0: pcrs[0][:47]},
			required:  []uint{0},
			wantErr:   true,
			wantClaim: "PCR0",
		},
		"missing expectations produce warnings": {
			doc:          doc,
			challenge:    challenge,
			expected:     measurements.Expected{1: pcrs[1]},
			required:     DefaultRequiredPCRs,
			wantWarnings: []string{"PCR0 not found in expected measurements", "PCR2 not found in expected measurements"},
		},
		"no registers in document": {
			doc:       types.Document{UserData: []byte("hello"), Nonce: []byte("nonce")},
			challenge: challenge,
			expected:  measurements.Expected{},
			wantErr:   true,
		},
		"empty user data echoed for empty challenge": {
			doc:       types.Document{PCRs: pcrs, UserData: []byte{}, Nonce: []byte("nonce")},
			challenge: types.Challenge{Nonce: []byte("nonce")},
			expected:  measurements.Expected{},
		},
		"absent bindings for empty challenge with strict binding": {
			doc:      types.Document{PCRs: pcrs},
			expected: measurements.Expected{},
			strict:   true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			warnings, err := VerifyClaims(tc.doc, tc.challenge, tc.expected, tc.required, tc.strict)
			if tc.wantErr {
				assert.Error(err)
				if tc.wantClaim != "" {
					var mismatch *MismatchError
					if assert.ErrorAs(err, &mismatch) {
						assert.Equal(tc.wantClaim, mismatch.Claim)
					}
				}
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantWarnings, warnings)
		})
	}
}

func TestVerificationError(t *testing.T) {
	assert := assert.New(t)

	inner := errors.New("chain link 1: boom")
	err := error(&VerificationError{Stage: StageChain, Err: inner})
	assert.ErrorIs(err, ErrChainInvalid)
	assert.ErrorIs(err, inner)
	assert.NotErrorIs(err, ErrClaimMismatch)
	assert.Equal("certificate chain invalid: chain link 1: boom", err.Error())

	assert.Equal("chain", StageChain.String())
	assert.Equal("Stage(99)", Stage(99).String())
}

func TestVerdictString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("PASS", Verdict{OK: true}.String())
	assert.Equal("PASS\nwarning: PCR2 not found in expected measurements",
		Verdict{OK: true, Warnings: []string{"PCR2 not found in expected measurements"}}.String())
	assert.Equal("FAIL(signature): bad", Verdict{Stage: StageSignature, Detail: "bad"}.String())
}

func FuzzVerifyEvidence(f *testing.F) {
	fix := newFixture(f)
	v := fix.verifier()
	valid := fix.evidence().MustMarshal()
	f.Add(valid)
	f.Fuzz(func(t *testing.T, a []byte) {
		verdict := v.VerifyEvidence(a, fix.challenge)
		if verdict.OK != (verdict.Stage == StageNone) {
			t.Fatalf("inconsistent verdict: %s", verdict)
		}
		if verdict.OK && !bytes.Equal(a, valid) {
			// Only re-encodings of the same signed content may pass.
			if verdict.Document == nil || !bytes.Equal(verdict.Document.Nonce, fix.challenge.Nonce) {
				t.Fatalf("unexpected pass: %s", verdict)
			}
		}
	})
}

func FuzzVerifyClaims(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		var input struct {
			PCRs     map[uint][]byte
			UserData []byte
			Nonce    []byte
			Expected map[uint][]byte
			Strict   bool
		}
		if err := fuzzheaders.NewConsumer(a).GenerateStruct(&input); err != nil {
			return
		}
		doc := types.Document{PCRs: input.PCRs, UserData: input.UserData, Nonce: input.Nonce}
		challenge := types.Challenge{UserData: input.UserData, Nonce: input.Nonce}

		_, err := VerifyClaims(doc, challenge, input.Expected, DefaultRequiredPCRs, input.Strict)
		if err == nil {
			for i, want := range input.Expected {
				if !bytes.Equal(want, input.PCRs[i]) {
					t.Fatalf("PCR%d mismatch was not detected", i)
				}
			}
		}
	})
}

func serveEnclave(t *testing.T, server *fakeenclave.Server) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(lis) }()
	t.Cleanup(func() {
		_ = lis.Close()
		assert.NoError(t, <-done)
	})
	return lis.Addr().String()
}

type requesterFunc func(ctx context.Context, challenge types.Challenge) ([]byte, error)

func (f requesterFunc) RequestEvidence(ctx context.Context, challenge types.Challenge) ([]byte, error) {
	return f(ctx, challenge)
}
