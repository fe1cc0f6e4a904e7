package types

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Document field names as used in the CBOR encoded payload.
const (
	FieldModuleID    = "module_id"
	FieldDigest      = "digest"
	FieldTimestamp   = "timestamp"
	FieldPCRs        = "pcrs"
	FieldCertificate = "certificate"
	FieldCABundle    = "cabundle"
	FieldPublicKey   = "public_key"
	FieldUserData    = "user_data"
	FieldNonce       = "nonce"
)

// CBOR simple values for null and undefined.
const (
	cborNull      = 0xf6
	cborUndefined = 0xf7
)

// PayloadState describes the outcome of the nested payload decode.
type PayloadState int

const (
	// PayloadOpaque means the payload bytes are not a CBOR map and were passed through untouched.
	PayloadOpaque PayloadState = iota
	// PayloadDecoded means the payload bytes were decoded into a Document.
	PayloadDecoded
)

func (s PayloadState) String() string {
	switch s {
	case PayloadDecoded:
		return "decoded"
	case PayloadOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("PayloadState(%d)", int(s))
	}
}

// Payload is the result of decoding the COSE_Sign1 payload.
type Payload struct {
	State    PayloadState
	Document Document
	// Raw holds the payload bytes exactly as they were signed.
	Raw []byte
	// Reason explains why the payload stayed opaque.
	Reason string
}

// Document is the AWS Nitro Enclave attestation document carried in the COSE_Sign1 payload.
type Document struct {
	// ModuleID is the issuing NSM ID.
	ModuleID string `json:"module_id"`
	// Digest is the digest function used for calculating the register values.
	Digest string `json:"digest"`
	// Timestamp is the UTC time the document was created, in milliseconds since the Unix epoch.
	Timestamp uint64 `json:"timestamp"`
	// PCRs maps register index to digest.
	PCRs map[uint][]byte `json:"pcrs,omitempty"`
	// Certificate is the DER encoded infrastructure certificate used to sign the document.
	Certificate []byte `json:"certificate,omitempty"`
	// CABundle is the issuing CA bundle for Certificate, ordered from the root towards the leaf.
	CABundle [][]byte `json:"cabundle,omitempty"`

	PublicKey []byte `json:"public_key,omitempty"`
	UserData  []byte `json:"user_data,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`

	present map[string]bool
}

// Has reports whether the document carried the named field with a non-null value.
// For a Document not produced by DecodePayload, a field is present if it is not nil.
func (d Document) Has(field string) bool {
	if d.present != nil {
		return d.present[field]
	}
	switch field {
	case FieldModuleID:
		return d.ModuleID != ""
	case FieldDigest:
		return d.Digest != ""
	case FieldTimestamp:
		return d.Timestamp != 0
	case FieldPCRs:
		return d.PCRs != nil
	case FieldCertificate:
		return d.Certificate != nil
	case FieldCABundle:
		return d.CABundle != nil
	case FieldPublicKey:
		return d.PublicKey != nil
	case FieldUserData:
		return d.UserData != nil
	case FieldNonce:
		return d.Nonce != nil
	default:
		return false
	}
}

// CreatedAt returns the document timestamp as a time.Time.
func (d Document) CreatedAt() time.Time {
	return time.UnixMilli(int64(d.Timestamp)).UTC()
}

// PCRIndices returns the register indices carried by the document in ascending order.
func (d Document) PCRIndices() []uint {
	indices := make([]uint, 0, len(d.PCRs))
	for i := range d.PCRs {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices
}

// DecodePayload decodes the COSE_Sign1 payload into a Document.
//
// A payload that is not a text keyed CBOR map is returned as PayloadOpaque
// without an error: only the stages that need the document fail on it.
// An error is returned when the payload is a map but one of the known
// fields carries a value of the wrong type.
func DecodePayload(payload []byte) (Payload, error) {
	result := Payload{State: PayloadOpaque, Raw: payload}

	var fields map[string]cbor.RawMessage
	if err := decMode.Unmarshal(payload, &fields); err != nil {
		result.Reason = fmt.Sprintf("payload is not a CBOR map: %v", err)
		return result, nil
	}
	if fields == nil {
		result.Reason = "payload is CBOR null"
		return result, nil
	}

	doc := Document{present: make(map[string]bool)}
	targets := []struct {
		name   string
		target any
	}{
		{FieldModuleID, &doc.ModuleID},
		{FieldDigest, &doc.Digest},
		{FieldTimestamp, &doc.Timestamp},
		{FieldPCRs, &doc.PCRs},
		{FieldCertificate, &doc.Certificate},
		{FieldCABundle, &doc.CABundle},
		{FieldPublicKey, &doc.PublicKey},
		{FieldUserData, &doc.UserData},
		{FieldNonce, &doc.Nonce},
	}
	for _, field := range targets {
		raw, ok := fields[field.name]
		if !ok || isNull(raw) {
			continue
		}
		if err := decMode.Unmarshal(raw, field.target); err != nil {
			return result, fmt.Errorf("decoding document field %q: %w", field.name, err)
		}
		doc.present[field.name] = true
	}

	result.State = PayloadDecoded
	result.Document = doc
	result.Reason = ""
	return result, nil
}

// DecodeDocument parses a raw attestation document and decodes its payload.
// Unlike DecodePayload, an opaque payload is an error.
func DecodeDocument(rawDocument []byte) (SignedEnvelope, Document, error) {
	envelope, err := ParseEnvelope(rawDocument)
	if err != nil {
		return SignedEnvelope{}, Document{}, fmt.Errorf("parsing envelope: %w", err)
	}
	payload, err := DecodePayload(envelope.Payload)
	if err != nil {
		return SignedEnvelope{}, Document{}, fmt.Errorf("decoding payload: %w", err)
	}
	if payload.State != PayloadDecoded {
		return SignedEnvelope{}, Document{}, errors.New(payload.Reason)
	}
	return envelope, payload.Document, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 1 && (raw[0] == cborNull || raw[0] == cborUndefined)
}
