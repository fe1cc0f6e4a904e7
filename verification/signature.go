package verification

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-nitro-verify/verification/crypto"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

// ParseLeafCertificate parses the certificate the document was signed with.
// The certificate is always taken from the signed payload, never from the
// unprotected header.
func ParseLeafCertificate(doc types.Document) (*x509.Certificate, error) {
	if !doc.Has(types.FieldCertificate) || len(doc.Certificate) == 0 {
		return nil, errors.New("attestation document carries no certificate")
	}
	cert, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	return cert, nil
}

// VerifySignature verifies the COSE_Sign1 signature of envelope with the public key of leaf.
//
// The protected header must announce ES384, the leaf key must be a P-384 ECDSA key,
// and the signature must be a raw r || s signature over the Sig_structure.
func VerifySignature(envelope types.SignedEnvelope, leaf *x509.Certificate) error {
	header, err := envelope.ProtectedHeader()
	if err != nil {
		return fmt.Errorf("reading protected header: %w", err)
	}
	if header.Algorithm != types.AlgorithmES384 {
		return fmt.Errorf("unsupported signature algorithm %d (expected ES384, %d)", header.Algorithm, types.AlgorithmES384)
	}

	// The verification key is rebuilt from the leaf's raw P-384 coordinates.
	x, y, err := crypto.RawCoordinates(leaf.PublicKey)
	if err != nil {
		return fmt.Errorf("reading leaf public key: %w", err)
	}
	publicKey, err := crypto.BuildECDSAPublicKey(x, y)
	if err != nil {
		return fmt.Errorf("building leaf public key: %w", err)
	}

	sigStructure, err := envelope.SigStructure()
	if err != nil {
		return fmt.Errorf("encoding Sig_structure: %w", err)
	}
	if err := crypto.VerifyECDSASignature(publicKey, sigStructure, envelope.Signature); err != nil {
		return fmt.Errorf("verifying COSE_Sign1 signature: %w", err)
	}
	return nil
}
