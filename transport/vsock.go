package transport

import "fmt"

const (
	// DefaultCID is the context ID the first enclave started by nitro-cli usually receives.
	DefaultCID = 16
	// DefaultPort is the vsock port the enclave attestation server listens on.
	DefaultPort = 5000
)

// VsockDialer dials an enclave through an AF_VSOCK socket.
type VsockDialer struct {
	CID  uint32
	Port uint32
}

func (d VsockDialer) String() string {
	return fmt.Sprintf("vsock://%d:%d", d.CID, d.Port)
}
