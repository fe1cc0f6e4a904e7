/*
Package rootca retrieves the AWS Nitro Enclaves root certificate from AWS.

AWS publishes the root certificate as a zip archive holding a single PEM file:

	┌──────────────────────────────────┐
	│ AWS_NitroEnclaves_Root-G1.zip    │
	│   └── root.pem                   │
	└────────────────┬─────────────────┘
	                 │
	       SHA-256 fingerprint pinned
	                 │
	                 ▼
	      ┌───────────────────────┐
	      │  aws.nitro-enclaves   │
	      │   (trust anchor)      │
	      └───────────────────────┘

The download is only trusted if the fingerprint of the contained certificate
matches the fingerprint hard-coded in this package, and the certificate is a
self-signed CA.
*/
package rootca

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/edgelesssys/go-nitro-verify/verification/crypto"
)

const (
	// RootURL is the location AWS publishes the root certificate archive at.
	RootURL = "https://aws-nitro-enclaves.amazonaws.com/AWS_NitroEnclaves_Root-G1.zip"
	// RootFingerprint is the SHA-256 fingerprint of the DER encoded AWS Nitro Enclaves root certificate.
	RootFingerprint = "641a0321a3e244efe456463195d606317ed7cdcc3c1756e09893f3c68f79bb5b"
	// maxArchiveSize bounds the downloaded archive.
	maxArchiveSize = 1 << 20
)

type rootAPI interface {
	get(ctx context.Context, uri string) ([]byte, error)
}

// Client retrieves the AWS Nitro Enclaves root certificate.
type Client struct {
	api         rootAPI
	url         string
	fingerprint string
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the location of the root certificate archive.
func WithURL(url string) Option {
	return func(c *Client) {
		c.url = url
	}
}

// WithFingerprint sets the expected hex encoded SHA-256 fingerprint of the root certificate.
func WithFingerprint(fingerprint string) Option {
	return func(c *Client) {
		c.fingerprint = strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	}
}

// WithHTTPClient sets the HTTP client used for the download.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.api = &httpAPI{client: client}
	}
}

// New returns a new Client.
func New(opts ...Option) *Client {
	c := &Client{
		api:         &httpAPI{client: http.DefaultClient},
		url:         RootURL,
		fingerprint: RootFingerprint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads the root certificate archive and returns the pinned root certificate
// together with its PEM encoding as published by AWS.
func (c *Client) Fetch(ctx context.Context) (*x509.Certificate, []byte, error) {
	archive, err := c.api.get(ctx, c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading root certificate archive: %w", err)
	}

	rootPEM, err := extractPEM(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting root certificate: %w", err)
	}

	root, err := crypto.ParsePEMCertificate(rootPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing root certificate: %w", err)
	}
	if err := c.verifyRoot(root); err != nil {
		return nil, nil, err
	}

	return root, rootPEM, nil
}

// verifyRoot checks the certificate against the pinned fingerprint.
func (c *Client) verifyRoot(root *x509.Certificate) error {
	if got := Fingerprint(root); got != c.fingerprint {
		return fmt.Errorf("root certificate fingerprint mismatch: expected %s, got %s", c.fingerprint, got)
	}
	if !root.IsCA {
		return errors.New("root certificate is not a CA")
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("root certificate is not self-signed: %w", err)
	}
	return nil
}

// Fingerprint returns the hex encoded SHA-256 fingerprint of cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// extractPEM returns the single PEM file of a zip archive.
func extractPEM(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var pemFile *zip.File
	for _, f := range reader.File {
		if path.Ext(f.Name) != ".pem" {
			continue
		}
		if pemFile != nil {
			return nil, fmt.Errorf("archive contains more than one PEM file: %s, %s", pemFile.Name, f.Name)
		}
		pemFile = f
	}
	if pemFile == nil {
		return nil, errors.New("archive contains no PEM file")
	}

	rc, err := pemFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pemFile.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxArchiveSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pemFile.Name, err)
	}
	return data, nil
}

type httpAPI struct {
	client *http.Client
}

// get sends a GET request and returns the response body.
func (c *httpAPI) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > maxArchiveSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxArchiveSize)
	}
	return body, nil
}
