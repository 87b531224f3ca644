// Package config loads host-level engine configuration from YAML: the
// pipeline's timeout/retry/iteration defaults and the logging level, with
// environment variable expansion and strict unknown-field rejection.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recera/agentrun/pipeline"
)

// HostConfig is the top-level shape of an engine configuration file.
type HostConfig struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig mirrors pipeline.Config with YAML tags and
// human-friendly duration strings ("90s", "5m") in place of time.Duration.
type PipelineConfig struct {
	PipelineTimeout       string `yaml:"pipeline_timeout"`
	DefaultStepTimeout    string `yaml:"default_step_timeout"`
	DefaultLLMStepTimeout string `yaml:"default_llm_step_timeout"`
	MaxToolIterations     int    `yaml:"max_tool_iterations"`
	MaxCorrectionRetries  int    `yaml:"max_correction_retries"`
	EventChannelCapacity  int    `yaml:"event_channel_capacity"`
}

// LoggingConfig selects the level and format of the process-wide logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a HostConfig matching pipeline.DefaultConfig, as a
// starting point for hosts that load a partial file.
func Default() HostConfig {
	d := pipeline.DefaultConfig()
	return HostConfig{
		Pipeline: PipelineConfig{
			PipelineTimeout:       d.PipelineTimeout.String(),
			DefaultStepTimeout:    d.DefaultStepTimeout.String(),
			DefaultLLMStepTimeout: d.DefaultLLMStepTimeout.String(),
			MaxToolIterations:     d.MaxToolIterations,
			MaxCorrectionRetries:  d.MaxCorrectionRetries,
			EventChannelCapacity:  d.EventChannelCapacity,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the YAML file at path, expanding ${VAR}/$VAR
// environment references first, and rejecting unknown fields so a typo in
// a host's config file fails at load time rather than silently no-op'ing.
func Load(path string) (HostConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return cfg, fmt.Errorf("config: %s: expected a single YAML document", path)
	}
	return cfg, nil
}

// ToPipelineConfig converts the YAML-shaped PipelineConfig into
// pipeline.Config, parsing its duration strings and validating the
// result.
func (h HostConfig) ToPipelineConfig() (pipeline.Config, error) {
	var out pipeline.Config
	var err error

	if out.PipelineTimeout, err = time.ParseDuration(h.Pipeline.PipelineTimeout); err != nil {
		return out, fmt.Errorf("config: pipeline_timeout: %w", err)
	}
	if out.DefaultStepTimeout, err = time.ParseDuration(h.Pipeline.DefaultStepTimeout); err != nil {
		return out, fmt.Errorf("config: default_step_timeout: %w", err)
	}
	if out.DefaultLLMStepTimeout, err = time.ParseDuration(h.Pipeline.DefaultLLMStepTimeout); err != nil {
		return out, fmt.Errorf("config: default_llm_step_timeout: %w", err)
	}
	out.MaxToolIterations = h.Pipeline.MaxToolIterations
	out.MaxCorrectionRetries = h.Pipeline.MaxCorrectionRetries
	out.EventChannelCapacity = h.Pipeline.EventChannelCapacity

	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("config: %w", err)
	}
	return out, nil
}
