// Package crypto implements common crypto operations used to verify Nitro attestation documents.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

const (
	// CoordinateSize is the size of a P-384 coordinate in bytes.
	CoordinateSize = 48
	// SignatureSize is the size of a raw ECDSA P-384 signature (r || s) in bytes.
	SignatureSize = 2 * CoordinateSize
)

// BuildECDSAPublicKey builds a P-384 ECDSA public key from its raw coordinates.
func BuildECDSAPublicKey(x, y [CoordinateSize]byte) (*ecdsa.PublicKey, error) {
	key := new(ecdsa.PublicKey)
	key.Curve = elliptic.P384()

	// construct the key manually...
	key.X = new(big.Int).SetBytes(x[:])
	key.Y = new(big.Int).SetBytes(y[:])

	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, errors.New("public key coordinates are not on curve P-384")
	}
	return key, nil
}

// RawCoordinates returns the fixed size X and Y coordinates of a P-384 public key.
func RawCoordinates(publicKey crypto.PublicKey) (x, y [CoordinateSize]byte, err error) {
	key, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return x, y, fmt.Errorf("public key is not an ECDSA key (got %T)", publicKey)
	}
	if key.Curve != elliptic.P384() {
		return x, y, fmt.Errorf("public key uses curve %s, expected P-384", key.Curve.Params().Name)
	}
	key.X.FillBytes(x[:])
	key.Y.FillBytes(y[:])
	return x, y, nil
}

// VerifyECDSASignature verifies a raw (r || s) ECDSA signature over data
// using SHA-384 and the given public key.
func VerifyECDSASignature(publicKey crypto.PublicKey, data, signature []byte) error {
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signing public key is not an ECDSA key")
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("invalid ECDSA signature: expected %d bytes but got %d bytes", SignatureSize, len(signature))
	}
	r := new(big.Int).SetBytes(signature[:CoordinateSize])
	s := new(big.Int).SetBytes(signature[CoordinateSize:])

	toVerify := sha512.Sum384(data)
	if !ecdsa.Verify(signingKey, toVerify[:], r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// VerifyCertificateSignature verifies that cert was signed by the public key of issuer
// using ECDSA with SHA-384 over the certificate's to-be-signed bytes.
func VerifyCertificateSignature(cert, issuer *x509.Certificate) error {
	if cert.SignatureAlgorithm != x509.ECDSAWithSHA384 {
		return fmt.Errorf("unexpected certificate signature algorithm %s, expected %s", cert.SignatureAlgorithm, x509.ECDSAWithSHA384)
	}
	issuerKey, ok := issuer.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("issuer public key is not an ECDSA key")
	}

	toVerify := sha512.Sum384(cert.RawTBSCertificate)
	if !ecdsa.VerifyASN1(issuerKey, toVerify[:], cert.Signature) {
		return errors.New("certificate signature does not verify with issuer public key")
	}
	return nil
}

// ParsePEMCertificateChain parses a certificate chain from a PEM-encoded byte slice.
func ParsePEMCertificateChain(certChainPEM []byte) ([]*x509.Certificate, error) {
	var signingChain []*x509.Certificate
	for block, rest := pem.Decode(certChainPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block type %q (want CERTIFICATE)", block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate from PEM: %w", err)
		}

		signingChain = append(signingChain, cert)
	}
	return signingChain, nil
}

// ParsePEMCertificate parses exactly one certificate from a PEM-encoded byte slice.
func ParsePEMCertificate(certPEM []byte) (*x509.Certificate, error) {
	certs, err := ParsePEMCertificateChain(certPEM)
	if err != nil {
		return nil, err
	}
	switch len(certs) {
	case 0:
		return nil, errors.New("no certificate found in PEM data")
	case 1:
		return certs[0], nil
	default:
		return nil, fmt.Errorf("expected a single certificate, found %d", len(certs))
	}
}
