package dab

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/dab-bridge/core/element"
)

// envelopeSchema is the JSON schema every request envelope must satisfy
// before it is routed: a topic string, an optional payload object. Vendor
// extras pass through untouched.
const envelopeSchema = `{
	"type": "object",
	"required": ["topic"],
	"properties": {
		"topic": { "type": "string" },
		"payload": { "type": "object" }
	}
}`

// Validator checks request envelopes against the envelope schema. It is
// optional; install it on a bridge with SetValidator.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() *Validator {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		panic(err)
	}
	return &Validator{schema: schema}
}

// Validate returns a 400 protocol error when the envelope does not satisfy
// the schema.
func (v *Validator) Validate(env *element.Element) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(env.JSON()))
	if err != nil {
		return Errorf(400, "unable to parse request")
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return Errorf(400, "invalid request envelope: %s", errs[0].String())
		}
		return Errorf(400, "invalid request envelope")
	}
	return nil
}
