// Package tools: this file implements schema generation via
// invopop/jsonschema and validation via santhosh-tekuri/jsonschema, with
// caching for both since reflection and schema compilation are each
// too costly to repeat on every tool call.
package tools

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	tekurischema "github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache stores generated schemas to avoid redundant reflection.
var schemaCache = &schemaCacheImpl{cache: make(map[reflect.Type][]byte)}

type schemaCacheImpl struct {
	mu    sync.RWMutex
	cache map[reflect.Type][]byte
}

func (c *schemaCacheImpl) get(t reflect.Type) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	schema, ok := c.cache[t]
	return schema, ok
}

func (c *schemaCacheImpl) set(t reflect.Type, schema []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[t] = schema
}

// GenerateSchema generates a JSON Schema for the given Go type. The
// schema is cached by reflect.Type for performance.
func GenerateSchema(t reflect.Type) ([]byte, error) {
	if schema, ok := schemaCache.get(t); ok {
		return schema, nil
	}

	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	schema := handleSpecialTypes(t, r)
	if schema == nil {
		if t.Kind() == reflect.Struct {
			instance := reflect.New(t).Interface()
			schema = r.Reflect(instance)
		} else {
			schema = r.Reflect(t)
		}
	}
	if schema.Title == "" {
		schema.Title = t.Name()
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	schemaCache.set(t, schemaJSON)
	return schemaJSON, nil
}

// handleSpecialTypes provides custom schema handling for types
// invopop/jsonschema's reflection doesn't describe usefully on its own.
func handleSpecialTypes(t reflect.Type, r *jsonschema.Reflector) *jsonschema.Schema {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return &jsonschema.Schema{
			Type:                 "object",
			AdditionalProperties: jsonschema.TrueSchema,
			Description:          "Any valid JSON value",
		}
	}
	if t == reflect.TypeOf(json.RawMessage{}) {
		return &jsonschema.Schema{
			Type:                 "object",
			AdditionalProperties: jsonschema.TrueSchema,
			Description:          "Raw JSON value",
		}
	}
	if t.Kind() == reflect.Map && t.Key().Kind() == reflect.String && t.Elem().Kind() == reflect.Interface {
		return &jsonschema.Schema{
			Type:                 "object",
			AdditionalProperties: jsonschema.TrueSchema,
			Description:          "Object with string keys and any values",
		}
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Interface {
		return &jsonschema.Schema{
			Type: "array",
			Items: &jsonschema.Schema{
				Type:                 "object",
				AdditionalProperties: jsonschema.TrueSchema,
			},
			Description: "Array of any values",
		}
	}
	return nil
}

// compiledSchemaCache avoids recompiling the same schema bytes on every
// tool call; keyed by the schema's raw JSON since that, not a
// reflect.Type, is what ValidateJSON receives.
var compiledSchemaCache sync.Map // map[string]*tekurischema.Schema

func compileValidationSchema(schemaJSON []byte) (*tekurischema.Schema, error) {
	key := string(schemaJSON)
	if cached, ok := compiledSchemaCache.Load(key); ok {
		return cached.(*tekurischema.Schema), nil
	}

	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	c := tekurischema.NewCompiler()
	if err := c.AddResource("tool-input.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("tool-input.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiledSchemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateJSON validates data against schema, the validator of record
// for tool arguments once they have been alias- and case-normalized.
func ValidateJSON(data json.RawMessage, schema []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty JSON data")
	}
	if len(schema) == 0 {
		return fmt.Errorf("empty schema")
	}

	compiled, err := compileValidationSchema(schema)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON data: %w", err)
	}

	return compiled.Validate(doc)
}
