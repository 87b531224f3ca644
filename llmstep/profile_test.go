package llmstep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recera/agentrun/pipeline"
)

func TestProfileValidateRejectsEmptyModel(t *testing.T) {
	err := Profile{}.Validate()
	require.Error(t, err)
}

func TestProfileValidateAllowsZeroValueSampling(t *testing.T) {
	err := Profile{Model: "test-model"}.Validate()
	require.NoError(t, err, "unset sampling fields mean provider-default, not out-of-bounds")
}

func TestProfileValidateRejectsOutOfRangeTemperature(t *testing.T) {
	err := Profile{Model: "test-model", Sampling: SamplingParams{Temperature: 2.5}}.Validate()
	require.Error(t, err)
}

func TestProfileValidateRejectsOutOfRangeTopP(t *testing.T) {
	err := Profile{Model: "test-model", Sampling: SamplingParams{TopP: 1.5}}.Validate()
	require.Error(t, err)
}

func TestProfileValidateRejectsNegativeMaxTokens(t *testing.T) {
	err := Profile{Model: "test-model", Sampling: SamplingParams{MaxTokens: -1}}.Validate()
	require.Error(t, err)
}

func TestNewStepRejectsInvalidProfile(t *testing.T) {
	provider := &cancelAfterFirstChunkProvider{cancel: func() {}}
	_, err := NewStep[string]("bad", provider, Profile{},
		func(input any, pctx *pipeline.Context) string { return "" })
	require.Error(t, err)
}
