package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/edgelesssys/go-nitro-verify/internal/version"
	"github.com/spf13/cobra"
)

const binaryName = "nitro-verify"

// errVerificationFailed is returned by commands whose verdict was already printed.
var errVerificationFailed = errors.New("attestation verification failed")

func main() {
	// glog writes to files unless told otherwise.
	_ = flag.Set("logtostderr", "true")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errVerificationFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   binaryName,
		Short: "Verify AWS Nitro Enclave attestation documents",
		Long: `Verify AWS Nitro Enclave attestation documents before trusting an enclave.

A document passes if its COSE_Sign1 signature verifies with the leaf certificate,
the leaf chains to the AWS Nitro Enclaves root (or --root-cert), the PCR values match
the expected measurements and the user data and nonce match the challenge.

Environment variables:
  NITRO_VERIFY_CID           vsock CID of the enclave (default: 16)
  NITRO_VERIFY_PORT          vsock port of the attestation server (default: 5000)
  NITRO_VERIFY_ADDRESS       host:port to reach the enclave over TCP instead of vsock
  NITRO_VERIFY_TIMEOUT       request timeout, e.g. 10s (default: 10s)
  NITRO_VERIFY_ROOT_CERT     PEM file with the root certificate to trust
  NITRO_VERIFY_MEASUREMENTS  expected measurements file (default: expected-measurements.json)
  NITRO_VERIFY_FRAMING       length-prefixed or json (default: length-prefixed)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(
		newVerifyCmd(),
		newVerifyFileCmd(),
		newParseCmd(),
		newFetchRootCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String(binaryName))
		},
	}
}
