// Package tasks defines the core data structures flowing through the batch processor.
// A PendingRequest is one line of the source queue, a Task is a request that has been
// admitted into the run, and an Outcome is the terminal record persisted to the checkpoint.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata is returned when a source line has no metadata block.
	ErrMissingMetadata = errors.New("missing metadata block")
	// ErrInvalidIdentifier is returned when metadata.identifier is absent, null,
	// or not a JSON string or number.
	ErrInvalidIdentifier = errors.New("identifier must be a JSON string or number")
)

// Identifier is the caller-supplied request key. It keeps the raw JSON text so a
// numeric identifier is written back as a number and a string as a string.
type Identifier json.RawMessage

// Key returns the identifier in a form usable as a map key. String identifiers
// are keyed by their decoded value, so "a<b" and "a\u003cb" are the same key.
// 7 and "7" are distinct keys.
func (id Identifier) Key() string {
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return "s:" + s
		}
	}
	return "n:" + string(id)
}

// String implements fmt.Stringer.
func (id Identifier) String() string {
	return string(id)
}

// MarshalJSON writes the identifier as it was read.
func (id Identifier) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return id, nil
}

// UnmarshalJSON accepts a JSON string or number.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if !validIdentifier(data) {
		return ErrInvalidIdentifier
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*id = Identifier(buf.Bytes())
	return nil
}

func validIdentifier(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(data, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(data, &n) == nil
	default:
		return false
	}
}

// Metadata is the block every source line carries next to its payload.
type Metadata struct {
	Identifier    Identifier      `json:"identifier"`
	AssociatedRow json.RawMessage `json:"associated_row,omitempty"`
}

// PendingRequest is one parsed line of the source queue file.
type PendingRequest struct {
	// Identifier is unique within a run and stable across resumes.
	Identifier Identifier

	// Payload is the request body sent verbatim to the remote service.
	// It is the source line with the metadata block removed.
	Payload json.RawMessage

	// AssociatedRow is caller context carried through to the Outcome.
	AssociatedRow json.RawMessage
}

// ParseLine decodes one source queue line.
//
// The line must be a JSON object with a "metadata" member holding an
// "identifier". Every other member becomes the payload.
func ParseLine(line []byte) (*PendingRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode line: not a JSON object")
	}

	rawMeta, ok := fields["metadata"]
	if !ok || string(bytes.TrimSpace(rawMeta)) == "null" {
		return nil, ErrMissingMetadata
	}
	delete(fields, "metadata")

	var raw struct {
		Identifier    json.RawMessage `json:"identifier"`
		AssociatedRow json.RawMessage `json:"associated_row"`
	}
	if err := json.Unmarshal(rawMeta, &raw); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var id Identifier
	if err := id.UnmarshalJSON(raw.Identifier); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return &PendingRequest{
		Identifier:    id,
		Payload:       payload,
		AssociatedRow: raw.AssociatedRow,
	}, nil
}

// EncodeLine is the inverse of ParseLine. Payload must be a JSON object.
func EncodeLine(req PendingRequest) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	meta, err := json.Marshal(Metadata{Identifier: req.Identifier, AssociatedRow: req.AssociatedRow})
	if err != nil {
		return nil, err
	}
	fields["metadata"] = meta
	return json.Marshal(fields)
}
