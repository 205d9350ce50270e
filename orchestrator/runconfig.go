package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pipeline"
)

// RunConfig carries per-run execution settings, typically loaded from
// a YAML file kept next to the pipeline definition:
//
//	disable_cache: false
//	steps:
//	  train:
//	    epochs: 20
//	    learning_rate: 0.001
//
// Step entries override the declared defaults of the named step.
type RunConfig struct {
	DisableCache bool                       `yaml:"disable_cache"`
	Steps        map[string]pipeline.Values `yaml:"steps"`
}

// LoadRunConfig reads a YAML run configuration from disk.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read run config: %w", err)
	}
	cfg, err := ParseRunConfig(data)
	if err != nil {
		return RunConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseRunConfig decodes a YAML run configuration. Unknown top-level
// keys are rejected; an empty document yields the zero config.
func ParseRunConfig(data []byte) (RunConfig, error) {
	var cfg RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return RunConfig{}, nil
		}
		return RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	return cfg, nil
}
