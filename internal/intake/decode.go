// Package intake drains RawItems published by connectors from Kafka and hands
// them to the dedup stage in bounded batches.
package intake

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/proximity/internal/evidence"
)

//go:embed rawitem.schema.json
var rawItemSchema []byte

const schemaURL = "rawitem.schema.json"

// ErrInvalidPayload wraps messages that fail to parse or validate.
var ErrInvalidPayload = errors.New("invalid raw item payload")

// Decoder validates connector payloads against the RawItem schema.
// It is safe for concurrent use.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded schema.
func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawItemSchema))
	if err != nil {
		return nil, fmt.Errorf("NewDecoder: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("NewDecoder: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("NewDecoder: %w", err)
	}
	return &Decoder{schema: sch}, nil
}

// Decode parses one message. Schema failures are reported as ErrInvalidPayload.
func (d *Decoder) Decode(data []byte) (evidence.RawItem, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return evidence.RawItem{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return evidence.RawItem{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var item evidence.RawItem
	if err := json.Unmarshal(data, &item); err != nil {
		return evidence.RawItem{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return item, nil
}
