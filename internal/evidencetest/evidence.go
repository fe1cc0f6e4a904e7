package evidencetest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	coseSign1Tag   = 18
	algorithmES384 = -35

	// PCRSize is the size of a SHA-384 register value.
	PCRSize = 48
	// PCRCount is the number of registers reported by the NSM.
	PCRCount = 16
)

// PCRs returns a full register set where the first three registers hold
// distinct non-zero values and all other registers are zero.
func PCRs() map[uint][]byte {
	pcrs := make(map[uint][]byte, PCRCount)
	for i := uint(0); i < PCRCount; i++ {
		value := make([]byte, PCRSize)
		if i < 3 {
			copy(value, bytes.Repeat([]byte{byte(0xa0 + i)}, PCRSize))
		}
		pcrs[i] = value
	}
	return pcrs
}

// Evidence describes a signed attestation document before it is encoded.
// Tests mutate the exported fields to produce broken documents.
type Evidence struct {
	// Fields is the CBOR map encoded as payload. A nil value encodes as CBOR null.
	Fields map[string]any
	// Algorithm is written into the protected header.
	Algorithm int64
	// Protected overrides the encoded protected header when not nil.
	Protected []byte
	// Unprotected is the unprotected header map.
	Unprotected map[any]any
	// Tagged wraps the envelope in CBOR tag 18.
	Tagged bool
	// SigningKey signs the Sig_structure. Defaults to the leaf key.
	SigningKey *ecdsa.PrivateKey
	// RawPayload replaces the encoded Fields when not nil.
	RawPayload []byte
	// Tamper modifies the payload after it was signed.
	Tamper func(payload []byte) []byte
}

// NewEvidence returns evidence for a valid document signed by the leaf of p.
func (p *PKI) NewEvidence(userData, nonce []byte, pcrs map[uint][]byte) *Evidence {
	return &Evidence{
		Fields: map[string]any{
			"module_id":   "i-0123456789abcdef0-enc0123456789abcdef",
			"digest":      "SHA384",
			"timestamp":   uint64(p.Now.UnixMilli()),
			"pcrs":        pcrs,
			"certificate": p.Leaf.Raw,
			"cabundle":    p.CABundle(),
			"public_key":  nil,
			"user_data":   userData,
			"nonce":       nonce,
		},
		Algorithm:   algorithmES384,
		Unprotected: map[any]any{},
		Tagged:      true,
		SigningKey:  p.LeafKey,
	}
}

// Set sets a payload field and returns e.
func (e *Evidence) Set(field string, value any) *Evidence {
	e.Fields[field] = value
	return e
}

// Delete removes a payload field and returns e.
func (e *Evidence) Delete(field string) *Evidence {
	delete(e.Fields, field)
	return e
}

// Payload returns the encoded payload.
func (e *Evidence) Payload() ([]byte, error) {
	if e.RawPayload != nil {
		return e.RawPayload, nil
	}
	return cbor.Marshal(e.Fields)
}

// Marshal encodes and signs the evidence.
func (e *Evidence) Marshal() ([]byte, error) {
	payload, err := e.Payload()
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	protected := e.Protected
	if protected == nil {
		protected, err = cbor.Marshal(map[int]int64{1: e.Algorithm})
		if err != nil {
			return nil, fmt.Errorf("encoding protected header: %w", err)
		}
	}

	signature, err := Sign(e.SigningKey, protected, payload)
	if err != nil {
		return nil, err
	}

	if e.Tamper != nil {
		payload = e.Tamper(bytes.Clone(payload))
	}

	return EncodeEnvelope(protected, e.Unprotected, payload, signature, e.Tagged)
}

// MustMarshal is like Marshal but panics on error.
func (e *Evidence) MustMarshal() []byte {
	raw, err := e.Marshal()
	if err != nil {
		panic(err)
	}
	return raw
}

// Sign returns the raw r || s signature of the COSE_Sign1 Sig_structure over protected and payload.
func Sign(key *ecdsa.PrivateKey, protected, payload []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("no signing key")
	}
	sigStructure, err := cbor.Marshal([]any{"Signature1", nonNil(protected), []byte{}, nonNil(payload)})
	if err != nil {
		return nil, fmt.Errorf("encoding Sig_structure: %w", err)
	}
	digest := sha512.Sum384(sigStructure)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing Sig_structure: %w", err)
	}

	size := (key.Curve.Params().BitSize + 7) / 8
	signature := make([]byte, 2*size)
	r.FillBytes(signature[:size])
	s.FillBytes(signature[size:])
	return signature, nil
}

// EncodeEnvelope encodes a COSE_Sign1 structure, optionally wrapped in tag 18.
func EncodeEnvelope(protected []byte, unprotected map[any]any, payload, signature []byte, tagged bool) ([]byte, error) {
	if unprotected == nil {
		unprotected = map[any]any{}
	}
	content := []any{nonNil(protected), unprotected, payload, signature}
	if tagged {
		return cbor.Marshal(cbor.Tag{Number: coseSign1Tag, Content: content})
	}
	return cbor.Marshal(content)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
