/*
Package chain verifies the certificate chain of a Nitro attestation document.

The chain is rebuilt from a trust anchor configured out-of-band, the document's
cabundle and the document's certificate:

	┌──────────────┐     ┌─────────────┐         ┌───────────────┐     ┌──────────────┐
	│ Trust anchor │ ──► │ cabundle[0] │ ──► ... │ cabundle[n-1] │ ──► │ Leaf         │
	│   link 0     │     │   link 1    │         │   link n      │     │   link n+1   │
	└──────────────┘     └─────────────┘         └───────────────┘     └──────────────┘

Every certificate must be issued by its predecessor: the issuer name must equal
the predecessor's subject, the predecessor must be a CA, and the predecessor's key
must verify the ECDSA-SHA384 signature over the certificate. Every certificate
must be valid at the verification time.

The AWS Nitro Enclaves root certificate is hard-coded in this package and used
unless a different anchor is configured.
*/
package chain

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgelesssys/go-nitro-verify/verification/crypto"
	"k8s.io/utils/clock"
)

// AWSNitroRootPEM is the PEM encoded AWS Nitro Enclaves Root certificate (G1).
const AWSNitroRootPEM = "-----BEGIN CERTIFICATE-----\nMIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL\nMAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD\nVQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4\nMTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL\nDANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG\nBSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb\n48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE\nh8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF\nR+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC\nMQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW\nrfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N\nIwLz3/Y=\n-----END CERTIFICATE-----\n"

// ErrMalformedCertificate is wrapped by a LinkError when a certificate cannot be parsed.
var ErrMalformedCertificate = errors.New("malformed certificate")

var awsNitroRoot = sync.OnceValues(func() (*x509.Certificate, error) {
	cert, err := crypto.ParsePEMCertificate([]byte(AWSNitroRootPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing AWS Nitro Enclaves root certificate: %w", err)
	}
	return cert, nil
})

// AWSNitroRoot returns the parsed AWS Nitro Enclaves root certificate.
func AWSNitroRoot() (*x509.Certificate, error) {
	return awsNitroRoot()
}

// LinkError reports the first broken link of a certificate chain.
type LinkError struct {
	// Link is the position of the failing certificate in [anchor, cabundle..., leaf].
	Link int
	// Subject of the failing certificate, if it could be parsed.
	Subject string
	Err     error
}

func (e *LinkError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("chain link %d: %v", e.Link, e.Err)
	}
	return fmt.Sprintf("chain link %d (%s): %v", e.Link, e.Subject, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// Verifier verifies certificate chains against a fixed trust anchor.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	anchor *x509.Certificate
	clock  clock.PassiveClock
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the clock used when Verify is called without an explicit time.
func WithClock(c clock.PassiveClock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

// New returns a Verifier that trusts anchor.
func New(anchor *x509.Certificate, opts ...Option) (*Verifier, error) {
	if anchor == nil {
		return nil, errors.New("no trust anchor configured")
	}
	v := &Verifier{
		anchor: anchor,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks that leaf chains to the trust anchor through cabundle, ordered from the
// root towards the leaf. If at is the zero time, the Verifier's clock is used.
// On success the verified chain [anchor, cabundle..., leaf] is returned.
// Any failure is returned as a *LinkError.
func (v *Verifier) Verify(leaf []byte, cabundle [][]byte, at time.Time) ([]*x509.Certificate, error) {
	if at.IsZero() {
		at = v.clock.Now()
	}

	chain := make([]*x509.Certificate, 0, len(cabundle)+2)
	chain = append(chain, v.anchor)
	for i, der := range cabundle {
		cert, err := parseDER(der)
		if err != nil {
			return nil, &LinkError{Link: i + 1, Err: err}
		}
		chain = append(chain, cert)
	}
	leafCert, err := parseDER(leaf)
	if err != nil {
		return nil, &LinkError{Link: len(chain), Err: fmt.Errorf("leaf: %w", err)}
	}
	chain = append(chain, leafCert)

	if err := checkValidity(chain[0], at); err != nil {
		return nil, &LinkError{Link: 0, Subject: chain[0].Subject.String(), Err: err}
	}
	for link := 1; link < len(chain); link++ {
		if err := verifyLink(chain[link-1], chain[link], at); err != nil {
			return nil, &LinkError{Link: link, Subject: chain[link].Subject.String(), Err: err}
		}
	}

	return chain, nil
}

func verifyLink(issuer, child *x509.Certificate, at time.Time) error {
	if !bytes.Equal(child.RawIssuer, issuer.RawSubject) {
		return fmt.Errorf("issuer %q does not match subject of predecessor %q", child.Issuer, issuer.Subject)
	}
	if !issuer.BasicConstraintsValid || !issuer.IsCA {
		return fmt.Errorf("predecessor %q is not a CA", issuer.Subject)
	}
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("predecessor %q is not allowed to sign certificates", issuer.Subject)
	}
	if err := crypto.VerifyCertificateSignature(child, issuer); err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	return checkValidity(child, at)
}

func checkValidity(cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not valid before %s (verification time %s)", cert.NotBefore.UTC(), at.UTC())
	}
	if at.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired at %s (verification time %s)", cert.NotAfter.UTC(), at.UTC())
	}
	return nil
}

func parseDER(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty certificate", ErrMalformedCertificate)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCertificate, err)
	}
	return cert, nil
}
