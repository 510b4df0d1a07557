package consent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/healthshare/healthshare/internal/platform/apperr"
)

//go:embed schema/consent_request.json
var requestSchema string

type inputValidator struct {
	schema *gojsonschema.Schema
}

func newInputValidator() (*inputValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("load consent schema: %w", err)
	}
	return &inputValidator{schema: schema}, nil
}

func (v *inputValidator) validate(in CreateInput) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return apperr.Validation("consent request is not serialisable")
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("consent schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperr.Validation("%s", strings.Join(msgs, "; "))
	}
	return checkWindow(in.ValidFrom, in.ValidTo)
}
