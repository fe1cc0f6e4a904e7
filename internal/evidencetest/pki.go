// Package evidencetest creates signed attestation documents and the certificate
// hierarchy behind them for tests and local end-to-end runs.
//
// Nothing in this package is suitable for production use.
package evidencetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// PKI is a three level P-384 hierarchy shaped like the AWS Nitro attestation PKI.
type PKI struct {
	Root            *x509.Certificate
	RootKey         *ecdsa.PrivateKey
	Intermediate    *x509.Certificate
	IntermediateKey *ecdsa.PrivateKey
	Leaf            *x509.Certificate
	LeafKey         *ecdsa.PrivateKey

	// Now is the time the hierarchy and all documents it signs are issued at.
	Now time.Time
}

// CertOptions controls how NewCertificate creates a certificate.
type CertOptions struct {
	CommonName         string
	IsCA               bool
	NotBefore          time.Time
	NotAfter           time.Time
	SignatureAlgorithm x509.SignatureAlgorithm
	// Curve of the generated key. Defaults to P-384.
	Curve elliptic.Curve
}

// NewPKI creates a root, an intermediate and a leaf certificate valid at now.
func NewPKI(now time.Time) (*PKI, error) {
	p := &PKI{Now: now}
	var err error

	p.Root, p.RootKey, err = NewCertificate(CertOptions{
		CommonName: "aws.nitro-enclaves",
		IsCA:       true,
		NotBefore:  now.Add(-24 * time.Hour),
		NotAfter:   now.Add(30 * 24 * time.Hour),
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}

	p.Intermediate, p.IntermediateKey, err = NewCertificate(CertOptions{
		CommonName: "zonal.us-east-1.aws.nitro-enclaves",
		IsCA:       true,
		NotBefore:  now.Add(-12 * time.Hour),
		NotAfter:   now.Add(7 * 24 * time.Hour),
	}, p.Root, p.RootKey)
	if err != nil {
		return nil, fmt.Errorf("creating intermediate certificate: %w", err)
	}

	p.Leaf, p.LeafKey, err = NewCertificate(CertOptions{
		CommonName: "i-0123456789abcdef0-enc0123456789abcdef.us-east-1.aws",
		NotBefore:  now.Add(-time.Hour),
		NotAfter:   now.Add(3 * time.Hour),
	}, p.Intermediate, p.IntermediateKey)
	if err != nil {
		return nil, fmt.Errorf("creating leaf certificate: %w", err)
	}

	return p, nil
}

// MustNewPKI is like NewPKI but panics on error.
func MustNewPKI(now time.Time) *PKI {
	p, err := NewPKI(now)
	if err != nil {
		panic(err)
	}
	return p
}

// CABundle returns the DER encoded intermediates, ordered from the root towards the leaf.
func (p *PKI) CABundle() [][]byte {
	return [][]byte{p.Intermediate.Raw}
}

// RootPEM returns the PEM encoded root certificate.
func (p *PKI) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.Root.Raw})
}

// NewCertificate creates a certificate signed by parent using parentKey.
// A nil parent creates a self-signed certificate.
func NewCertificate(opts CertOptions, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	curve := opts.Curve
	if curve == nil {
		curve = elliptic.P384()
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	sigAlg := opts.SignatureAlgorithm
	if sigAlg == x509.UnknownSignatureAlgorithm {
		sigAlg = x509.ECDSAWithSHA384
	}
	keyUsage := x509.KeyUsageDigitalSignature
	if opts.IsCA {
		keyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"Amazon"},
			Province:     []string{"WA"},
			Locality:     []string{"Seattle"},
			CommonName:   opts.CommonName,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              keyUsage,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
		SignatureAlgorithm:    sigAlg,
	}

	signer, signerKey := parent, parentKey
	if parent == nil {
		signer, signerKey = template, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing created certificate: %w", err)
	}
	return cert, key, nil
}
