package cloud

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed rules.schema.json
var rulesSchemaJSON []byte

const rulesSchemaURL = "https://edgeguard.dev/schema/rules-v1.json"

var rulesSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(rulesSchemaURL, bytes.NewReader(rulesSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add rules schema: %w", err)
	}
	return compiler.Compile(rulesSchemaURL)
})

// ValidateRulesPayload checks a rule version response body against the
// embedded schema before it is decoded.
func ValidateRulesPayload(body []byte) error {
	schema, err := rulesSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode rules payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("rules payload: %w", err)
	}
	return nil
}
