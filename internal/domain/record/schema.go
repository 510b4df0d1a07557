package record

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/medical_record.json
var recordSchemaJSON []byte

// PayloadValidator checks record bodies against the embedded JSON schema.
type PayloadValidator struct {
	schema *gojsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(recordSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("load record schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// Validate returns a joined description of every schema violation.
func (v *PayloadValidator) Validate(recordType string, level ConfidentialityLevel, payload map[string]any) error {
	doc := map[string]any{"recordType": recordType, "payload": payload}
	if level != "" {
		doc["confidentialityLevel"] = string(level)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("payload is not serialisable: %w", err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("payload failed schema validation: %s", strings.Join(msgs, "; "))
}
