package broker

import (
	"encoding/json"
	"fmt"
)

// Schemaed is implemented by every model type that can travel on the broker.
type Schemaed interface {
	Schema() (schema string, v int)
}

// Record is the self-describing envelope every broker message carries: a
// schema tag, a version, and the opaque payload. Unknown schemas are the
// caller's signal to drop + count rather than error.
type Record struct {
	Schema  string          `json:"schema"`
	V       int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// NewRecord wraps a Schemaed payload into a Record.
func NewRecord(v Schemaed) (Record, error) {
	schema, ver := v.Schema()
	raw, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("broker: marshal %s: %w", schema, err)
	}
	return Record{Schema: schema, V: ver, Payload: raw}, nil
}

// Decode unmarshals the record payload into dst. Callers are expected to have
// already checked Schema against the schema they expect.
func (r Record) Decode(dst any) error {
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("broker: decode %s: %w", r.Schema, err)
	}
	return nil
}

// MarshalRecord serializes a Record to wire bytes.
func MarshalRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord parses wire bytes into a Record. An unknown or missing
// schema is not itself an error here; ClassifySchema/known-schema checks
// happen at the consumer, per spec: "unknown schema -> drop + counter, never
// an error to the publisher."
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("broker: unmarshal record: %w", err)
	}
	return r, nil
}
