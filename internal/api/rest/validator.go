package rest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/connection-definition-v1.json
var connectionSchemaJSON string

// DefinitionValidator checks incoming connection requests against the
// embedded JSON schema before they are decoded.
type DefinitionValidator struct {
	schema *jsonschema.Schema
}

func NewDefinitionValidator() (*DefinitionValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("connection-definition-v1.json",
		strings.NewReader(connectionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("connection-definition-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &DefinitionValidator{schema: schema}, nil
}

func (v *DefinitionValidator) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
