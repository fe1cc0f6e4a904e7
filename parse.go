package main

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/edgelesssys/go-nitro-verify/verification/measurements"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <path>",
		Short: "Decode a saved attestation document and print it as JSON",
		Long: `Decode a saved attestation document, raw CBOR or base64 encoded, and print it as JSON.
The document is not verified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDocument(args[0])
			if err != nil {
				return err
			}
			out, err := documentJSON(raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// readDocument reads a document saved either base64 encoded or as raw CBOR.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attestation document: %w", err)
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data))); err == nil {
		return decoded, nil
	}
	return data, nil
}

func writeDocumentJSON(path string, raw []byte) error {
	out, err := documentJSON(raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("saving attestation document JSON: %w", err)
	}
	return nil
}

type documentView struct {
	Tagged      bool              `json:"tagged"`
	Algorithm   int64             `json:"algorithm"`
	ModuleID    string            `json:"module_id"`
	Digest      string            `json:"digest"`
	Timestamp   time.Time         `json:"timestamp"`
	PCRs        map[string]string `json:"pcrs"`
	Certificate certificateView   `json:"certificate"`
	CABundle    []certificateView `json:"cabundle"`
	PublicKey   []byte            `json:"public_key,omitempty"`
	UserData    []byte            `json:"user_data,omitempty"`
	Nonce       []byte            `json:"nonce,omitempty"`
}

type certificateView struct {
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func documentJSON(raw []byte) ([]byte, error) {
	envelope, doc, err := types.DecodeDocument(raw)
	if err != nil {
		return nil, err
	}
	header, err := envelope.ProtectedHeader()
	if err != nil {
		return nil, err
	}

	view := documentView{
		Tagged:      envelope.Tagged,
		Algorithm:   header.Algorithm,
		ModuleID:    doc.ModuleID,
		Digest:      doc.Digest,
		Timestamp:   doc.CreatedAt(),
		PCRs:        make(map[string]string, len(doc.PCRs)),
		Certificate: newCertificateView(doc.Certificate),
		PublicKey:   doc.PublicKey,
		UserData:    doc.UserData,
		Nonce:       doc.Nonce,
	}
	for i, value := range doc.PCRs {
		view.PCRs[measurements.Name(i)] = fmt.Sprintf("%x", value)
	}
	for _, der := range doc.CABundle {
		view.CABundle = append(view.CABundle, newCertificateView(der))
	}

	return json.MarshalIndent(view, "", "  ")
}

func newCertificateView(der []byte) certificateView {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return certificateView{Error: err.Error()}
	}
	return certificateView{
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
}
