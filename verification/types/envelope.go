package types

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// COSESign1Tag is the CBOR tag number of a COSE_Sign1 structure.
	COSESign1Tag = 18

	// AlgorithmES384 is the COSE algorithm identifier for ECDSA with SHA-384.
	AlgorithmES384 = -35

	// MaxDocumentSize is the largest raw attestation document we attempt to decode.
	MaxDocumentSize = 1 << 20

	// sigStructureContext is the context string of a COSE_Sign1 Sig_structure.
	sigStructureContext = "Signature1"

	// majorTypeTag is the CBOR major type of a tagged value.
	majorTypeTag = 6
)

// decMode rejects duplicate map keys and indefinite length items, so every
// decoded value has exactly one canonical reading.
var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// SignedEnvelope is a decoded COSE_Sign1 structure: [protected, unprotected, payload, signature].
type SignedEnvelope struct {
	Protected   []byte
	Unprotected map[any]any
	Payload     []byte
	Signature   []byte
	// Tagged reports whether the structure was wrapped in CBOR tag 18.
	Tagged bool
}

// ProtectedHeader holds the protected header parameters we rely on.
type ProtectedHeader struct {
	Algorithm int64 `cbor:"1,keyasint"`
}

// ParseEnvelope decodes a raw attestation document into its COSE_Sign1 parts.
func ParseEnvelope(rawDocument []byte) (SignedEnvelope, error) {
	if len(rawDocument) == 0 {
		return SignedEnvelope{}, errors.New("attestation document is empty")
	}
	if len(rawDocument) > MaxDocumentSize {
		return SignedEnvelope{}, fmt.Errorf("attestation document is too large (over 1 MiB, received: %d bytes)", len(rawDocument))
	}

	content := cbor.RawMessage(rawDocument)
	tagged := false
	if rawDocument[0]>>5 == majorTypeTag {
		var tag cbor.RawTag
		if err := decMode.Unmarshal(rawDocument, &tag); err != nil {
			return SignedEnvelope{}, fmt.Errorf("decoding tagged COSE_Sign1: %w", err)
		}
		if tag.Number != COSESign1Tag {
			return SignedEnvelope{}, fmt.Errorf("unexpected CBOR tag %d (expected COSE_Sign1 tag %d)", tag.Number, COSESign1Tag)
		}
		content = tag.Content
		tagged = true
	}

	var elements []cbor.RawMessage
	if err := decMode.Unmarshal(content, &elements); err != nil {
		return SignedEnvelope{}, fmt.Errorf("decoding COSE_Sign1 array: %w", err)
	}
	if len(elements) != 4 {
		return SignedEnvelope{}, fmt.Errorf("COSE_Sign1 must have 4 elements, got %d", len(elements))
	}

	envelope := SignedEnvelope{Tagged: tagged}
	if err := decMode.Unmarshal(elements[0], &envelope.Protected); err != nil {
		return SignedEnvelope{}, fmt.Errorf("decoding protected header: %w", err)
	}
	if err := decMode.Unmarshal(elements[1], &envelope.Unprotected); err != nil {
		return SignedEnvelope{}, fmt.Errorf("decoding unprotected header: %w", err)
	}
	if err := decMode.Unmarshal(elements[2], &envelope.Payload); err != nil {
		return SignedEnvelope{}, fmt.Errorf("decoding payload: %w", err)
	}
	if err := decMode.Unmarshal(elements[3], &envelope.Signature); err != nil {
		return SignedEnvelope{}, fmt.Errorf("decoding signature: %w", err)
	}

	// A nil byte slice means the element was CBOR null, e.g. a detached payload.
	if envelope.Protected == nil {
		envelope.Protected = []byte{}
	}
	if envelope.Payload == nil {
		return SignedEnvelope{}, errors.New("COSE_Sign1 payload is detached or null")
	}
	if len(envelope.Signature) == 0 {
		return SignedEnvelope{}, errors.New("COSE_Sign1 signature is empty")
	}

	return envelope, nil
}

// ProtectedHeader decodes the protected header parameters.
func (e SignedEnvelope) ProtectedHeader() (ProtectedHeader, error) {
	if len(e.Protected) == 0 {
		return ProtectedHeader{}, errors.New("protected header is empty")
	}
	var header ProtectedHeader
	if err := decMode.Unmarshal(e.Protected, &header); err != nil {
		return ProtectedHeader{}, fmt.Errorf("decoding protected header map: %w", err)
	}
	return header, nil
}

// SigStructure returns the exact bytes covered by the COSE_Sign1 signature:
// ["Signature1", protected, external_aad, payload] with an empty external_aad.
func (e SignedEnvelope) SigStructure() ([]byte, error) {
	protected := e.Protected
	if protected == nil {
		protected = []byte{}
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	return cbor.Marshal([]any{sigStructureContext, protected, []byte{}, payload})
}
