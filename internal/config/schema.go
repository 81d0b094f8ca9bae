package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file, keyed by the
// YAML field names.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			AllowAdditionalProperties:  false,
			RequiredFromJSONSchemaTags: true,
			Mapper:                     durationSchema,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "deckhand configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// durationSchema describes time.Duration fields as the strings YAML accepts.
func durationSchema(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeOf(time.Duration(0)) {
		return nil
	}
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 30s or 1m30s",
	}
}
