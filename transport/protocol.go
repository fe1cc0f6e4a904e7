package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request asks the enclave for an attestation document bound to the given values.
// Both fields are standard base64.
type Request struct {
	UserData string `json:"user-data"`
	Nonce    string `json:"nonce"`
}

// Response is the enclave's answer to a Request.
// Exactly one of Document and Error is set.
type Response struct {
	// Document is the base64 encoded COSE_Sign1 attestation document.
	Document string `json:"document,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// errEmptyResponse is returned by a Codec when the peer closed the connection without sending anything.
var errEmptyResponse = errors.New("connection closed before any data was received")

// Codec frames requests and responses on a connection.
type Codec interface {
	WriteRequest(w io.Writer, req Request) error
	ReadRequest(r io.Reader, maxSize int) (Request, error)
	WriteResponse(w io.Writer, resp Response) error
	ReadResponse(r io.Reader, maxSize int) (Response, error)
}

// LengthPrefixed frames every message as a 4 byte big endian length followed by a JSON body.
type LengthPrefixed struct{}

// WriteRequest implements Codec.
func (LengthPrefixed) WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, req)
}

// ReadRequest implements Codec.
func (LengthPrefixed) ReadRequest(r io.Reader, maxSize int) (Request, error) {
	var req Request
	return req, readFrame(r, maxSize, &req)
}

// WriteResponse implements Codec.
func (LengthPrefixed) WriteResponse(w io.Writer, resp Response) error {
	return writeFrame(w, resp)
}

// ReadResponse implements Codec.
func (LengthPrefixed) ReadResponse(r io.Reader, maxSize int) (Response, error) {
	var resp Response
	return resp, readFrame(r, maxSize, &resp)
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, maxSize int, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyResponse
		}
		return fmt.Errorf("reading message length: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return fmt.Errorf("message of %d bytes exceeds limit of %d bytes", size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading message body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshaling message: %w", err)
	}
	return nil
}

// JSONStream sends every message as a single JSON value without framing.
// The value is read with a streaming decoder, so a message split across
// several reads is reassembled. Enclave servers that read a single buffer
// and write a bare JSON object speak this framing.
type JSONStream struct{}

// WriteRequest implements Codec.
func (JSONStream) WriteRequest(w io.Writer, req Request) error {
	return writeJSON(w, req)
}

// ReadRequest implements Codec.
func (JSONStream) ReadRequest(r io.Reader, maxSize int) (Request, error) {
	var req Request
	return req, readJSON(r, maxSize, &req)
}

// WriteResponse implements Codec.
func (JSONStream) WriteResponse(w io.Writer, resp Response) error {
	return writeJSON(w, resp)
}

// ReadResponse implements Codec.
func (JSONStream) ReadResponse(r io.Reader, maxSize int) (Response, error) {
	var resp Response
	return resp, readJSON(r, maxSize, &resp)
}

func writeJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func readJSON(r io.Reader, maxSize int, v any) error {
	// One extra byte distinguishes a message of exactly maxSize from an oversized one.
	limited := &io.LimitedReader{R: r, N: int64(maxSize) + 1}
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyResponse
		}
		if limited.N <= 0 {
			return fmt.Errorf("message exceeds limit of %d bytes", maxSize)
		}
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

// ParseFraming returns the Codec for a framing name: "length-prefixed" or "json".
func ParseFraming(name string) (Codec, error) {
	switch name {
	case "", "length-prefixed":
		return LengthPrefixed{}, nil
	case "json":
		return JSONStream{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (expected \"length-prefixed\" or \"json\")", name)
	}
}
