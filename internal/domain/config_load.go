package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML or JSON file and overlays it on DefaultConfig.
// Zero values in the file keep the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("file", err)
	}

	loaded := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, NewConfigError("file", fmt.Errorf("parse yaml: %w", err))
		}
	case ".json":
		if err := json.Unmarshal(data, loaded); err != nil {
			return nil, NewConfigError("file", fmt.Errorf("parse json: %w", err))
		}
	default:
		return nil, NewConfigError("file", fmt.Errorf("unsupported config format %q", filepath.Ext(path)))
	}

	return MergeConfig(DefaultConfig(), loaded)
}

// MergeConfig overlays the non-zero fields of override on base.
func MergeConfig(base, override *Config) (*Config, error) {
	merged := *base
	if err := mergo.Merge(&merged, *override, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, NewConfigError("merge", err)
	}
	return &merged, nil
}
