// Package measurements loads the PCR values a relying party expects an enclave to report.
//
// The file format is the one written by nitro-cli build-enclave:
//
//	{
//	  "Measurements": {
//	    "HashAlgorithm": "Sha384 { ... }",
//	    "PCR0": "<hex>",
//	    "PCR1": "<hex>",
//	    "PCR2": "<hex>"
//	  }
//	}
//
// Both the JSON and the YAML spelling of this document are accepted.
// Keys that do not name a PCR are ignored.
package measurements

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MaxIndex is the highest register index an NSM exposes.
	MaxIndex = 31

	pcrPrefix = "PCR"
)

// Expected maps a register index to its expected digest.
type Expected map[uint][]byte

// Indices returns the register indices of e in ascending order.
func (e Expected) Indices() []uint {
	indices := make([]uint, 0, len(e))
	for i := range e {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices
}

// Clone returns a deep copy of e.
func (e Expected) Clone() Expected {
	if e == nil {
		return nil
	}
	clone := make(Expected, len(e))
	for i, v := range e {
		clone[i] = append([]byte(nil), v...)
	}
	return clone
}

// Marshal encodes e in the nitro-cli JSON format.
func (e Expected) Marshal() ([]byte, error) {
	doc := file{Measurements: make(map[string]string, len(e))}
	for i, v := range e {
		doc.Measurements[Name(i)] = hex.EncodeToString(v)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Name returns the display name of a register, e.g. PCR0.
func Name(index uint) string {
	return pcrPrefix + strconv.FormatUint(uint64(index), 10)
}

type file struct {
	Measurements map[string]string `json:"Measurements" yaml:"Measurements"`
}

// Parse decodes expected measurements from JSON or YAML.
func Parse(data []byte) (Expected, error) {
	var doc file
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("unmarshaling measurements JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling measurements YAML: %w", err)
	}
	if doc.Measurements == nil {
		return nil, errors.New("measurements document has no \"Measurements\" section")
	}

	expected := make(Expected, len(doc.Measurements))
	for key, value := range doc.Measurements {
		index, ok, err := parseIndex(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := expected[index]; dup {
			return nil, fmt.Errorf("register %d is listed more than once", index)
		}
		digest, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		if len(digest) == 0 {
			return nil, fmt.Errorf("%s is empty", key)
		}
		expected[index] = digest
	}
	return expected, nil
}

// Load reads expected measurements from the file at path.
func Load(path string) (Expected, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading measurements file: %w", err)
	}
	expected, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing measurements file %q: %w", path, err)
	}
	return expected, nil
}

// parseIndex reports whether key names a register and returns its index.
func parseIndex(key string) (uint, bool, error) {
	if len(key) <= len(pcrPrefix) || !strings.EqualFold(key[:len(pcrPrefix)], pcrPrefix) {
		return 0, false, nil
	}
	index, err := strconv.ParseUint(key[len(pcrPrefix):], 10, 8)
	if err != nil {
		return 0, false, fmt.Errorf("invalid register name %q", key)
	}
	if index > MaxIndex {
		return 0, false, fmt.Errorf("register %q out of range (0-%d)", key, MaxIndex)
	}
	return uint(index), true, nil
}

// Source provides expected measurements to the verifier.
type Source interface {
	Load() (Expected, error)
}

// File is a Source reading a measurements file on every Load.
type File string

// Load implements Source.
func (f File) Load() (Expected, error) {
	return Load(string(f))
}

// Static is a Source returning fixed measurements.
type Static Expected

// Load implements Source.
func (s Static) Load() (Expected, error) {
	if s == nil {
		return nil, errors.New("no measurements configured")
	}
	return Expected(s).Clone(), nil
}
