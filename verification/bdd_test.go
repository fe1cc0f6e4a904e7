//go:build bdd

package verification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/edgelesssys/go-nitro-verify/internal/evidencetest"
	"github.com/edgelesssys/go-nitro-verify/internal/fakeenclave"
	"github.com/edgelesssys/go-nitro-verify/transport"
	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
	testclock "k8s.io/utils/clock/testing"
)

// bddContext holds per-scenario state.
type bddContext struct {
	pki    *evidencetest.PKI
	server *fakeenclave.Server
	lis    net.Listener
	done   chan error

	expected     measurements.Expected
	clockOffset  time.Duration
	documentTime bool

	verdict Verdict
}

func (b *bddContext) reset() error {
	var err error
	if b.lis != nil {
		b.lis.Close()
		err = <-b.done
	}
	*b = bddContext{}
	return err
}

// ── Given steps ─────────────────────────────────────────────────────

func (b *bddContext) anEnclaveIssuingDocuments() error {
	pki, err := evidencetest.NewPKI(time.Now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return err
	}
	b.pki = pki
	b.server = &fakeenclave.Server{PKI: pki}
	return nil
}

func (b *bddContext) theExpectedMeasurementsAreTheEnclaves() error {
	pcrs := evidencetest.PCRs()
	b.expected = measurements.Expected{0: pcrs[0], 1: pcrs[1], 2: pcrs[2]}
	return nil
}

func (b *bddContext) theEnclaveReportsPCR1Flipped() error {
	b.server.Mutate = func(e *evidencetest.Evidence) {
		pcrs := evidencetest.PCRs()
		pcrs[1][0] ^= 0x01
		e.Set("pcrs", pcrs)
	}
	return nil
}

func (b *bddContext) theEnclaveEchoesAStaleNonce() error {
	b.server.Mutate = func(e *evidencetest.Evidence) {
		e.Set("nonce", bytes.Repeat([]byte{0x42}, types.NonceSize))
	}
	return nil
}

func (b *bddContext) theEnclaveSignsWithAnUnrelatedKey() error {
	other, err := evidencetest.NewPKI(b.pki.Now)
	if err != nil {
		return err
	}
	b.server.Mutate = func(e *evidencetest.Evidence) {
		e.SigningKey = other.LeafKey
	}
	return nil
}

func (b *bddContext) theVerifierClockIsHoursAhead(hours int) error {
	b.clockOffset = time.Duration(hours) * time.Hour
	return nil
}

func (b *bddContext) certificatesAreCheckedAtDocumentTime() error {
	b.documentTime = true
	return nil
}

func (b *bddContext) noExpectedMeasurementsAreConfigured() error {
	b.expected = nil
	return nil
}

func (b *bddContext) theEnclaveAnswersWithError(msg string) error {
	b.server.Error = msg
	return nil
}

// ── When steps ──────────────────────────────────────────────────────

func (b *bddContext) iAttestTheEnclaveWithUserData(userData string) error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	b.lis = lis
	b.done = make(chan error, 1)
	go func() { b.done <- b.server.Serve(lis) }()

	opts := []Option{
		WithTrustAnchor(b.pki.Root),
		WithClock(testclock.NewFakeClock(b.pki.Now.Add(b.clockOffset))),
		WithObserver(NopObserver{}),
	}
	if b.expected != nil {
		opts = append(opts, WithMeasurements(b.expected))
	}
	if b.documentTime {
		opts = append(opts, WithDocumentTime())
	}

	challenge, err := types.NewChallenge([]byte(userData))
	if err != nil {
		return err
	}
	client := transport.New(transport.NetDialer{Network: "tcp", Address: lis.Addr().String()})
	b.verdict = New(opts...).Attest(context.Background(), client, challenge)
	return nil
}

// ── Then steps ──────────────────────────────────────────────────────

func (b *bddContext) theVerdictShouldBe(expected string) error {
	if got := b.verdict.String(); got != expected {
		return fmt.Errorf("expected verdict %q, got %q", expected, got)
	}
	return nil
}

func (b *bddContext) theVerificationShouldFailAtStage(stage string) error {
	if b.verdict.OK {
		return fmt.Errorf("expected failure at stage %s, got PASS", stage)
	}
	if got := b.verdict.Stage.String(); got != stage {
		return fmt.Errorf("expected failure at stage %s, got %s", stage, b.verdict)
	}
	return nil
}

func (b *bddContext) theFailureShouldMention(text string) error {
	if !strings.Contains(b.verdict.Detail, text) {
		return fmt.Errorf("expected failure detail to mention %q, got %q", text, b.verdict.Detail)
	}
	return nil
}

// ── Suite runner ────────────────────────────────────────────────────

func TestBDD(t *testing.T) {
	b := &bddContext{}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				return ctx, b.reset()
			})

			// Given
			sc.Step(`^an enclave issuing documents from a test PKI$`, b.anEnclaveIssuingDocuments)
			sc.Step(`^the expected measurements are PCR0, PCR1 and PCR2 of the enclave$`, b.theExpectedMeasurementsAreTheEnclaves)
			sc.Step(`^the enclave reports PCR1 with its first byte flipped$`, b.theEnclaveReportsPCR1Flipped)
			sc.Step(`^the enclave echoes a stale nonce$`, b.theEnclaveEchoesAStaleNonce)
			sc.Step(`^the enclave signs with an unrelated key$`, b.theEnclaveSignsWithAnUnrelatedKey)
			sc.Step(`^the verifier clock is (\d+) hours ahead$`, b.theVerifierClockIsHoursAhead)
			sc.Step(`^certificates are checked at document time$`, b.certificatesAreCheckedAtDocumentTime)
			sc.Step(`^no expected measurements are configured$`, b.noExpectedMeasurementsAreConfigured)
			sc.Step(`^the enclave answers with error "([^"]*)"$`, b.theEnclaveAnswersWithError)

			// When
			sc.Step(`^I attest the enclave with user data "([^"]*)"$`, b.iAttestTheEnclaveWithUserData)

			// Then
			sc.Step(`^the verdict should be "([^"]*)"$`, b.theVerdictShouldBe)
			sc.Step(`^the verification should fail at stage "([^"]*)"$`, b.theVerificationShouldFailAtStage)
			sc.Step(`^the failure should mention "([^"]*)"$`, b.theFailureShouldMention)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("BDD tests failed")
	}

	if err := b.reset(); err != nil {
		t.Fatal(err)
	}
}
