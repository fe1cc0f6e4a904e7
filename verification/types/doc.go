/*
# Nitro Attestation Data Types

This package contains data types and decoding functions used for AWS Nitro Enclaves attestation.

## Attestation Document Format

	To give a *rough* understanding of how an attestation document is formed see the graphic below:

	        SignedEnvelope (COSE_Sign1)
	         ParseEnvelope
	┌──────────────────────────────────┐
	│   optional CBOR tag 18           │
	│ ┌──────────────────────────────┐ │
	│ │ Protected   (bstr)           │ │──► CBOR map {1: -35}   (alg: ES384)
	│ ├──────────────────────────────┤ │
	│ │ Unprotected (map)            │ │    never trusted for key material
	│ ├──────────────────────────────┤ │               Document
	│ │ Payload     (bstr)           │─┼──►       DecodePayload
	│ ├──────────────────────────────┤ │     ┌────────────────────────────┐
	│ │ Signature   (bstr, 96 bytes) │ │     │ module_id    (tstr)        │
	│ │  r || s over Sig_structure   │ │     │ digest       (tstr)        │
	│ └──────────────────────────────┘ │     │ timestamp    (uint, ms)    │
	└──────────────────────────────────┘     │ pcrs         {uint: bstr}  │
	                                         │ certificate  (bstr, DER)   │
	                                         │ cabundle     [bstr, DER]   │
	                                         │ public_key   ? bstr        │
	                                         │ user_data    ? bstr        │
	                                         │ nonce        ? bstr        │
	                                         └────────────────────────────┘

The payload is CBOR nested inside a CBOR byte string. Decoding is done in two explicit stages:
[ParseEnvelope] only requires the outer structure, while [DecodePayload] reports whether the
inner bytes form a document ([PayloadDecoded]) or must be passed on untouched ([PayloadOpaque]).
*/
package types
