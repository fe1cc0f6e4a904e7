package main

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-verify/verification/rootca"
	"github.com/spf13/cobra"
)

func newFetchRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch-root",
		Short: "Download the AWS Nitro Enclaves root certificate",
		Long: `Download the AWS Nitro Enclaves root certificate and check it against the pinned fingerprint.

Examples:
  nitro-verify fetch-root --out root.pem
  nitro-verify verify --root-cert root.pem`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, _ := cmd.Flags().GetString("out")
			url, _ := cmd.Flags().GetString("url")

			root, rootPEM, err := rootca.New(rootca.WithURL(url)).Fetch(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, rootPEM, 0o644); err != nil {
				return fmt.Errorf("saving root certificate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Root certificate %q (SHA-256 %s) saved to: %s\n", root.Subject, rootca.Fingerprint(root), out)
			return nil
		},
	}
	cmd.Flags().String("out", "root.pem", "file to write the PEM encoded root certificate to")
	cmd.Flags().String("url", rootca.RootURL, "location of the root certificate archive")
	return cmd
}
