package llmstep

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OutputKind discriminates how a Step's declared output type shapes
// response parsing.
type OutputKind int

const (
	// OutputString means T is string: the raw content passes through
	// verbatim, no schema, no decoding.
	OutputString OutputKind = iota
	// OutputPrimitive means T is a non-string scalar (bool, numeric kind,
	// or time.Time): the cleaned content is best-effort converted.
	OutputPrimitive
	// OutputComplex means T is a struct, map, or slice: the cleaned
	// content is extracted as a balanced JSON value, validated against
	// T's schema, and decoded.
	OutputComplex
)

// OutputSpec is the per-Step parsing configuration derived from its
// declared output type T at construction time.
type OutputSpec struct {
	Kind       OutputKind
	SchemaJSON []byte

	parsePrimitive func(content string) (any, error)
	schema         *jsonschema.Schema
	decode         func(raw []byte) (any, error)
}

var schemaCompileMu sync.Mutex

// newOutputSpec inspects T's reflect.Type and builds the OutputSpec that
// drives response parsing for a llmstep.Step constructed over T.
func newOutputSpec[T any]() (OutputSpec, error) {
	var zero T
	t := reflect.TypeOf(zero)

	if t == nil || t.Kind() == reflect.Interface {
		return OutputSpec{Kind: OutputString}, nil
	}

	if t == reflect.TypeOf("") {
		return OutputSpec{Kind: OutputString}, nil
	}

	if t == reflect.TypeOf(time.Time{}) {
		return OutputSpec{Kind: OutputPrimitive, parsePrimitive: parseTimeValue}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return OutputSpec{Kind: OutputPrimitive, parsePrimitive: parseBoolValue}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return OutputSpec{Kind: OutputPrimitive, parsePrimitive: numericParser(t)}, nil
	}

	schemaJSON, err := generateSchemaFor(t)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("llmstep: generating schema for %s: %w", t, err)
	}

	compiled, err := compileSchema(schemaJSON)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("llmstep: compiling schema for %s: %w", t, err)
	}

	return OutputSpec{
		Kind:       OutputComplex,
		SchemaJSON: schemaJSON,
		schema:     compiled,
		decode: func(raw []byte) (any, error) {
			out := new(T)
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, err
			}
			return *out, nil
		},
	}, nil
}

func generateSchemaFor(t reflect.Type) ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	var schema *jsonschema.Schema
	if t.Kind() == reflect.Struct {
		schema = r.Reflect(reflect.New(t).Interface())
	} else {
		schema = r.Reflect(t)
	}
	if schema.Title == "" {
		schema.Title = t.Name()
	}
	return json.Marshal(schema)
}

// compileSchema loads schemaJSON into santhosh-tekuri/jsonschema, the
// validator of record for untrusted model output (invopop/jsonschema only
// authors schemas; it does not validate documents against them).
func compileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	schemaCompileMu.Lock()
	defer schemaCompileMu.Unlock()

	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	const resourceName = "llmstep-output.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

func parseBoolValue(content string) (any, error) {
	return strconv.ParseBool(strings.TrimSpace(content))
}

func parseTimeValue(content string) (any, error) {
	content = strings.TrimSpace(content)
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, content); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("llmstep: %q does not match any known time layout", content)
}

func numericParser(t reflect.Type) func(string) (any, error) {
	return func(content string) (any, error) {
		content = strings.TrimSpace(content)
		switch t.Kind() {
		case reflect.Float32, reflect.Float64:
			v, err := strconv.ParseFloat(content, 64)
			if err != nil {
				return nil, err
			}
			return reflect.ValueOf(v).Convert(t).Interface(), nil
		default:
			v, err := strconv.ParseInt(content, 10, 64)
			if err != nil {
				return nil, err
			}
			return reflect.ValueOf(v).Convert(t).Interface(), nil
		}
	}
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// stripFences removes a single surrounding markdown code fence, if
// present, leaving any other text untouched.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

// extractBalancedJSON scans s for the first syntactically balanced JSON
// object or array, tolerating leading/trailing prose the model may have
// added around it. Returns an error if no balanced span is found.
func extractBalancedJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("llmstep: no JSON object or array found in output")
	}
	open := s[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("llmstep: unbalanced JSON in output")
}

var trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)

// tolerateTrailingCommas strips a trailing comma before a closing brace
// or bracket, a frequent small malformation in model-generated JSON.
func tolerateTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// ParseResponse converts a model's raw text content into the Step's
// declared output type, per spec.md's response-parsing rules: string
// passthrough, best-effort primitive conversion, or markdown-fence
// stripping + balanced-JSON extraction + trailing-comma tolerance +
// schema validation for a complex type.
func ParseResponse(spec OutputSpec, content string) (any, error) {
	switch spec.Kind {
	case OutputString:
		return content, nil
	case OutputPrimitive:
		v, err := spec.parsePrimitive(content)
		if err != nil {
			return nil, fmt.Errorf("llmstep: parsing primitive output: %w", err)
		}
		return v, nil
	case OutputComplex:
		cleaned := stripFences(content)
		jsonSpan, err := extractBalancedJSON(cleaned)
		if err != nil {
			return nil, fmt.Errorf("llmstep: extracting structured output: %w", err)
		}
		jsonSpan = tolerateTrailingCommas(jsonSpan)

		var doc any
		if err := json.Unmarshal([]byte(jsonSpan), &doc); err != nil {
			return nil, fmt.Errorf("llmstep: output is not valid JSON: %w", err)
		}
		if err := spec.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("llmstep: output failed schema validation: %w", err)
		}
		return spec.decode([]byte(jsonSpan))
	default:
		return nil, fmt.Errorf("llmstep: unknown output kind %d", spec.Kind)
	}
}
