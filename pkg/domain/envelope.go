package domain

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// EnvelopeVersion is the current schema version written by EncodeState.
// Decoders accept any version up to this one.
const EnvelopeVersion = 1

// compressThreshold is the payload size in bytes above which the envelope
// stores gzip-compressed payloads.
const compressThreshold = 4 << 10

// Envelope is the versioned wire form of a persisted state. The payload is
// raw JSON, or base64(gzip(JSON)) when Compressed is set. Unknown payload
// fields survive a decode/encode round trip of newer writers.
type Envelope struct {
	Version    int             `json:"v"`
	Kind       StateKind       `json:"kind"`
	Compressed bool            `json:"gz,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Blob       string          `json:"blob,omitempty"`
}

// EncodeState wraps a state in a versioned envelope, compressing large
// payloads.
func EncodeState(s *State) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	env := Envelope{Version: EnvelopeVersion, Kind: s.Kind}
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress state: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress state: %w", err)
		}
		env.Compressed = true
		env.Blob = base64.StdEncoding.EncodeToString(buf.Bytes())
	} else {
		env.Payload = payload
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeState unwraps an envelope produced by EncodeState. A schema version
// newer than this build understands is a defect, not a recoverable error.
func DecodeState(data []byte) (*State, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Version < 1 || env.Version > EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaVersion, env.Version)
	}

	payload := []byte(env.Payload)
	if env.Compressed {
		raw, err := base64.StdEncoding.DecodeString(env.Blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode compressed payload: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	var s State
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state payload: %w", err)
	}
	return &s, nil
}
