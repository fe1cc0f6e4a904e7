package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/edgelesssys/go-nitro-verify/internal/config"
	"github.com/edgelesssys/go-nitro-verify/verification"
	"github.com/edgelesssys/go-nitro-verify/verification/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Request an attestation document from an enclave and verify it",
		Long: `Request an attestation document bound to a fresh 64 byte nonce from an enclave and verify it.

Examples:
  nitro-verify verify --cid 16 --user-data hello
  nitro-verify verify --address 127.0.0.1:5000 --framing json --save-document attestation-document.dat`,
		Args: cobra.NoArgs,
		RunE: runVerify,
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().String("user-data", "", "user data to bind into the attestation document")
	cmd.Flags().String("save-document", "", "write the base64 encoded attestation document to this file")
	cmd.Flags().String("save-json", "", "write the decoded attestation document as JSON to this file")
	cmd.Flags().Bool("strict", false, "fail documents that do not echo the user data or nonce")
	return cmd
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	userData, _ := cmd.Flags().GetString("user-data")
	saveDocument, _ := cmd.Flags().GetString("save-document")
	saveJSON, _ := cmd.Flags().GetString("save-json")

	challenge, err := types.NewChallenge([]byte(userData))
	if err != nil {
		return err
	}
	client, err := cfg.Client()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Requesting attestation document from %v\n", cfg.Dialer())
	fmt.Fprintf(out, "User data: %q\n", userData)
	fmt.Fprintf(out, "Nonce:     %s\n", base64.StdEncoding.EncodeToString(challenge.Nonce))

	requester := &recordingRequester{requester: client}
	verdict := verification.New(verifierOptions(cmd, cfg)...).Attest(cmd.Context(), requester, challenge)

	if requester.document != nil {
		if saveDocument != "" {
			if err := os.WriteFile(saveDocument, []byte(base64.StdEncoding.EncodeToString(requester.document)), 0o644); err != nil {
				return fmt.Errorf("saving attestation document: %w", err)
			}
			fmt.Fprintf(out, "Raw attestation document saved to: %s\n", saveDocument)
		}
		if saveJSON != "" {
			if err := writeDocumentJSON(saveJSON, requester.document); err != nil {
				return err
			}
			fmt.Fprintf(out, "Attestation document JSON saved to: %s\n", saveJSON)
		}
	}

	printVerdict(out, verdict)
	if !verdict.OK {
		return errVerificationFailed
	}
	return nil
}

func newVerifyFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-file <path>",
		Short: "Verify a saved attestation document",
		Long: `Verify a saved attestation document, raw CBOR or base64 encoded, against the
challenge it was requested with.

Examples:
  nitro-verify verify-file attestation-document.dat --user-data hello --nonce <base64>
  nitro-verify verify-file attestation-document.dat --nonce <base64> --document-time`,
		Args: cobra.ExactArgs(1),
		RunE: runVerifyFile,
	}
	config.RegisterVerifierFlags(cmd.Flags())
	cmd.Flags().String("user-data", "", "user data the document was requested with")
	cmd.Flags().String("nonce", "", "base64 encoded nonce the document was requested with")
	cmd.Flags().Bool("document-time", false, "check certificate validity at the time the document was created")
	cmd.Flags().Bool("strict", false, "fail documents that do not echo the user data or nonce")
	return cmd
}

func runVerifyFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	userData, _ := cmd.Flags().GetString("user-data")
	nonceB64, _ := cmd.Flags().GetString("nonce")

	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}
	challenge := types.Challenge{UserData: []byte(userData), Nonce: nonce}
	if err := challenge.Validate(); err != nil {
		return err
	}

	raw, err := readDocument(args[0])
	if err != nil {
		return err
	}

	verdict := verification.New(verifierOptions(cmd, cfg)...).VerifyEvidence(raw, challenge)
	printVerdict(cmd.OutOrStdout(), verdict)
	if !verdict.OK {
		return errVerificationFailed
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func verifierOptions(cmd *cobra.Command, cfg *config.Config) []verification.Option {
	opts := cfg.VerifierOptions()
	if strict, _ := cmd.Flags().GetBool("strict"); strict {
		opts = append(opts, verification.WithStrictBinding())
	}
	if documentTime, _ := cmd.Flags().GetBool("document-time"); documentTime {
		opts = append(opts, verification.WithDocumentTime())
	}
	return opts
}

// recordingRequester keeps the last document it received.
type recordingRequester struct {
	requester verification.Requester
	document  []byte
}

func (r *recordingRequester) RequestEvidence(ctx context.Context, challenge types.Challenge) ([]byte, error) {
	document, err := r.requester.RequestEvidence(ctx, challenge)
	if err != nil {
		return nil, err
	}
	r.document = document
	return document, nil
}

var (
	passFmt = color.New(color.FgGreen, color.Bold).SprintFunc()
	failFmt = color.New(color.FgRed, color.Bold).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
)

func printVerdict(w io.Writer, verdict verification.Verdict) {
	for _, warning := range verdict.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnFmt("warning:"), warning)
	}
	if verdict.OK {
		fmt.Fprintln(w, passFmt("PASS"))
		return
	}
	fmt.Fprintf(w, "%s %s\n", failFmt(fmt.Sprintf("FAIL(%s):", verdict.Stage)), verdict.Detail)
}
