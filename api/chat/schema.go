package chat

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "mem://intelli-agent/envelope.schema.json"

//go:embed envelope.schema.json
var envelopeSchemaJSON string

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile(envelopeSchemaURL)
		if envelopeSchemaErr != nil {
			envelopeSchemaErr = fmt.Errorf("compile envelope schema: %w", envelopeSchemaErr)
		}
	})
	return envelopeSchema, envelopeSchemaErr
}

// DecodeEnvelope validates raw JSON against the envelope schema, strictly decodes it and
// applies the typed invariants.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Envelope{}, fmt.Errorf("envelope schema: %w", err)
	}

	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing JSON payload")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
