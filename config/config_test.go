package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRoundTripsThroughToPipelineConfig(t *testing.T) {
	cfg, err := Default().ToPipelineConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.PipelineTimeout)
	require.Equal(t, 5, cfg.MaxToolIterations)
	require.NoError(t, cfg.Validate())
}

func TestLoadParsesYAMLAndExpandsEnv(t *testing.T) {
	t.Setenv("AGENTRUN_MAX_ITERATIONS", "7")
	dir := t.TempDir()
	path := filepath.Join(dir, "agentrun.yaml")
	contents := `
pipeline:
  pipeline_timeout: 2m
  default_step_timeout: 5s
  default_llm_step_timeout: 45s
  max_tool_iterations: ${AGENTRUN_MAX_ITERATIONS}
  max_correction_retries: 2
  event_channel_capacity: 64
logging:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pipeline.MaxToolIterations)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSON)

	pc, err := cfg.ToPipelineConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, pc.PipelineTimeout)
	require.Equal(t, 7, pc.MaxToolIterations)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentrun.yaml")
	contents := `
pipeline:
  max_tool_iterations: 3
  typo_field: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
