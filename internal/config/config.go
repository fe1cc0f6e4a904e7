package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgelesssys/go-nitro-verify/transport"
	"github.com/edgelesssys/go-nitro-verify/verification"
	"github.com/spf13/pflag"
)

// Environment variables read by LoadConfig.
const (
	EnvCID          = "NITRO_VERIFY_CID"
	EnvPort         = "NITRO_VERIFY_PORT"
	EnvAddress      = "NITRO_VERIFY_ADDRESS"
	EnvTimeout      = "NITRO_VERIFY_TIMEOUT"
	EnvRootCert     = "NITRO_VERIFY_ROOT_CERT"
	EnvMeasurements = "NITRO_VERIFY_MEASUREMENTS"
	EnvFraming      = "NITRO_VERIFY_FRAMING"
)

// Flag names registered by RegisterFlags.
const (
	FlagCID          = "cid"
	FlagPort         = "port"
	FlagAddress      = "address"
	FlagTimeout      = "timeout"
	FlagRootCert     = "root-cert"
	FlagMeasurements = "measurements"
	FlagFraming      = "framing"
)

// DefaultMeasurementsFile is read when no measurements file is configured.
const DefaultMeasurementsFile = "expected-measurements.json"

// Config holds verifier configuration loaded from environment variables and flags.
type Config struct {
	// CID and Port address the enclave over vsock.
	CID  uint32
	Port uint32
	// Address is a host:port to reach the enclave over TCP instead of vsock,
	// e.g. through a vsock proxy.
	Address string
	Timeout time.Duration
	// RootCert is a PEM file holding the trust anchor. Empty means the AWS Nitro Enclaves root.
	RootCert     string
	Measurements string
	Framing      string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CID:          transport.DefaultCID,
		Port:         transport.DefaultPort,
		Timeout:      transport.DefaultTimeout,
		Measurements: DefaultMeasurementsFile,
	}

	if v := os.Getenv(EnvCID); v != "" {
		cid, err := parseUint32(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvCID, err)
		}
		cfg.CID = cid
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := parseUint32(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		timeout, err := parseTimeout(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Timeout = timeout
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddress)); v != "" {
		cfg.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRootCert)); v != "" {
		cfg.RootCert = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMeasurements)); v != "" {
		cfg.Measurements = v
	}
	if v := strings.TrimSpace(strings.ToLower(os.Getenv(EnvFraming))); v != "" {
		cfg.Framing = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RegisterFlags adds all configuration flags to fs.
// Defaults shown in help output are the built-in defaults; environment variables still apply.
func RegisterFlags(fs *pflag.FlagSet) {
	RegisterTransportFlags(fs)
	RegisterVerifierFlags(fs)
}

// RegisterTransportFlags adds the flags addressing the enclave to fs.
func RegisterTransportFlags(fs *pflag.FlagSet) {
	fs.Uint32(FlagCID, transport.DefaultCID, "vsock CID of the enclave (or "+EnvCID+")")
	fs.Uint32(FlagPort, transport.DefaultPort, "vsock port of the enclave attestation server (or "+EnvPort+")")
	fs.String(FlagAddress, "", "host:port to reach the enclave over TCP instead of vsock (or "+EnvAddress+")")
	fs.Duration(FlagTimeout, transport.DefaultTimeout, "timeout for a single attestation request (or "+EnvTimeout+")")
	fs.String(FlagFraming, "", "message framing: length-prefixed or json (or "+EnvFraming+")")
}

// RegisterVerifierFlags adds the flags locating the trust anchor and expected measurements to fs.
func RegisterVerifierFlags(fs *pflag.FlagSet) {
	fs.String(FlagRootCert, "", "PEM file with the root certificate to trust instead of the AWS Nitro Enclaves root (or "+EnvRootCert+")")
	fs.String(FlagMeasurements, DefaultMeasurementsFile, "file with the expected PCR values (or "+EnvMeasurements+")")
}

// ApplyFlags overrides fields of c with the flags explicitly set on fs.
// Flags not registered on fs are ignored.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	changed := func(name string) bool {
		return fs.Lookup(name) != nil && fs.Changed(name)
	}

	var err error
	if changed(FlagCID) {
		if c.CID, err = fs.GetUint32(FlagCID); err != nil {
			return err
		}
	}
	if changed(FlagPort) {
		if c.Port, err = fs.GetUint32(FlagPort); err != nil {
			return err
		}
	}
	if changed(FlagAddress) {
		if c.Address, err = fs.GetString(FlagAddress); err != nil {
			return err
		}
	}
	if changed(FlagTimeout) {
		if c.Timeout, err = fs.GetDuration(FlagTimeout); err != nil {
			return err
		}
	}
	if changed(FlagRootCert) {
		if c.RootCert, err = fs.GetString(FlagRootCert); err != nil {
			return err
		}
	}
	if changed(FlagMeasurements) {
		if c.Measurements, err = fs.GetString(FlagMeasurements); err != nil {
			return err
		}
	}
	if changed(FlagFraming) {
		if c.Framing, err = fs.GetString(FlagFraming); err != nil {
			return err
		}
	}
	return c.Validate()
}

// Validate checks c for values no component accepts.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Measurements == "" {
		return fmt.Errorf("no expected measurements file configured")
	}
	if _, err := transport.ParseFraming(c.Framing); err != nil {
		return err
	}
	return nil
}

// Dialer returns the dialer reaching the configured enclave.
func (c *Config) Dialer() transport.Dialer {
	if c.Address != "" {
		return transport.NetDialer{Network: "tcp", Address: c.Address}
	}
	return transport.VsockDialer{CID: c.CID, Port: c.Port}
}

// Client returns a transport client for the configured enclave.
func (c *Config) Client() (*transport.Client, error) {
	codec, err := transport.ParseFraming(c.Framing)
	if err != nil {
		return nil, err
	}
	return transport.New(c.Dialer(), transport.WithTimeout(c.Timeout), transport.WithCodec(codec)), nil
}

// VerifierOptions returns the verification options for the configured trust anchor and measurements.
func (c *Config) VerifierOptions() []verification.Option {
	opts := []verification.Option{verification.WithMeasurementsFile(c.Measurements)}
	if c.RootCert != "" {
		opts = append(opts, verification.WithTrustAnchorFile(c.RootCert))
	}
	return opts
}

func parseUint32(v string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", v, err)
	}
	return uint32(n), nil
}

// parseTimeout accepts a duration such as "30s" or a plain number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
