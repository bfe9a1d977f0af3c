package vaultpay

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// paymentPayloadSchema is the shape every inbound payment payload must have
// before any scheme-specific parsing happens. Scheme mechanisms enforce their
// own payload structure on top of this.
const paymentPayloadSchema = `{
	"type": "object",
	"required": ["scheme", "network", "payload"],
	"properties": {
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "pattern": "^[a-z0-9-]+:[a-zA-Z0-9-_*]+$"},
		"payload": {"type": "object"},
		"resource": {
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"description": {"type": "string"},
				"mimeType": {"type": "string"}
			}
		}
	}
}`

var payloadSchema = gojsonschema.NewStringLoader(paymentPayloadSchema)

// ValidatePayloadSchema checks raw payment payload bytes against the
// protocol schema. Invalid JSON and structurally wrong documents both fail;
// the error lists the first few violations.
func ValidatePayloadSchema(payloadBytes []byte) error {
	result, err := gojsonschema.Validate(payloadSchema, gojsonschema.NewBytesLoader(payloadBytes))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	limit := len(errs)
	if limit > 3 {
		limit = 3
	}
	msg := ""
	for i := 0; i < limit; i++ {
		if i > 0 {
			msg += "; "
		}
		msg += errs[i].String()
	}
	return fmt.Errorf("payload schema violation: %s", msg)
}
