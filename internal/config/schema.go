package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	dserrors "github.com/Superhepper/parsec/internal/errors"
)

//go:embed schema.json
var schemaJSON string

// validateSchema checks the raw YAML against the embedded JSON schema. The
// document is decoded generically and re-encoded as JSON; yaml.v3 produces
// string-keyed maps, so the round trip is lossless for anything the schema
// accepts.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return dserrors.ConfigError{
			Field:   "config",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	if doc == nil {
		return dserrors.ConfigError{
			Field:      "config",
			Message:    "config file is empty",
			Suggestion: "a minimal config needs listener, authenticators, key_info_manager and providers sections",
		}
	}

	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("re-encode config for schema validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return dserrors.ConfigError{
			Field:   "config",
			Message: "schema validation failed:\n  - " + strings.Join(messages, "\n  - "),
		}
	}
	return nil
}
