package tools

import (
	"encoding/json"
	"reflect"
	"strings"
)

// fieldNamesOf returns the set of JSON field names I's struct fields
// serialize under (honoring a `json:"name"` tag where present), used to
// build the case-insensitive lookup normalizeArguments needs. Non-struct
// I (a map or slice input type) yields an empty set, which simply
// disables case-folding for that tool — aliases still apply.
func fieldNamesOf[I any]() map[string]struct{} {
	var zero I
	t := reflect.TypeOf(zero)
	names := make(map[string]struct{})
	if t == nil || t.Kind() != reflect.Struct {
		return names
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		names[name] = struct{}{}
	}
	return names
}

// normalizeArguments rewrites raw model-provided argument JSON so that
// keys differing only in case, or spelled under a registered alias,
// land on the canonical key name before unmarshaling. Per spec.md
// §4.12 ("tools are responsible for their own argument validation;
// robustness against LLM-provided garbled JSON ... is the tool's
// concern"), this tolerance lives in the tool, not the core.
func (t *Tool[I]) normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Not a JSON object (e.g. the model sent a bare array or
		// scalar); pass it through unchanged and let schema
		// validation reject it with a clearer message.
		return raw, nil
	}

	canonicalByLower := make(map[string]string, len(obj))
	for key := range fieldNamesOf[I]() {
		canonicalByLower[strings.ToLower(key)] = key
	}

	out := make(map[string]json.RawMessage, len(obj))
	for key, value := range obj {
		canonical := key
		if alias, ok := t.aliases[key]; ok {
			canonical = alias
		} else if match, ok := canonicalByLower[strings.ToLower(key)]; ok {
			canonical = match
		}
		out[canonical] = value
	}

	return json.Marshal(out)
}
