package llmstep

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// JSONCapability declares how a model generation advertises structured
// output support, chosen per-provider since the capability is a property
// of the model/API, not of the request.
type JSONCapability int

const (
	// JSONNone means the provider has no native JSON mode; structured
	// output relies entirely on prompt instructions and post-hoc parsing.
	JSONNone JSONCapability = iota
	// JSONObject means the provider accepts a "respond in JSON" MIME
	// directive but does not validate against a schema itself.
	JSONObject
	// JSONSchema means the provider accepts a schema attached to the
	// request and enforces it during generation.
	JSONSchema
)

// Profile describes one model configuration: its sampling defaults and
// its structured-output capability. A Step is bound to exactly one
// Profile; switching models means constructing a new Step.
type Profile struct {
	Model          string
	Sampling       SamplingParams
	JSONCapability JSONCapability
}

// Validate enforces the sampling bounds a profile must respect before it
// reaches a provider. Sampling fields default to their Go zero value,
// which means "let the provider pick its own default" rather than an
// explicit request; zero is therefore always in-range, and only an
// out-of-bounds non-zero value (negative, or above the documented
// ceiling) fails validation.
func (p Profile) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Model, validation.Required),
		validation.Field(&p.Sampling.Temperature, validation.Min(float32(0)), validation.Max(float32(2))),
		validation.Field(&p.Sampling.TopP, validation.Min(float32(0)), validation.Max(float32(1))),
		validation.Field(&p.Sampling.MaxTokens, validation.Min(0)),
	)
}

// ConfigureJsonResponse builds the ResponseFormat a request should carry
// for the given output schema, dispatching on the profile's declared
// capability. A nil schemaJSON (string/primitive output) always yields a
// nil ResponseFormat regardless of capability.
func ConfigureJsonResponse(profile Profile, schemaJSON []byte) *ResponseFormat {
	if len(schemaJSON) == 0 {
		return nil
	}
	switch profile.JSONCapability {
	case JSONSchema:
		return &ResponseFormat{SchemaJSON: schemaJSON}
	case JSONObject:
		return &ResponseFormat{JSONMime: true}
	default:
		return nil
	}
}
