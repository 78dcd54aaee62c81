package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes data. YAML is chosen by the .yaml/.yml extension of
// name and converted to JSON first, so both formats share one strict decoder:
// unknown fields and trailing data are rejected.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode %s: trailing data", filepath.Base(name))
		}
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) so the tree
// can be JSON-marshaled.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	}
	return in
}

// ParseDurationField parses a non-negative duration. Empty means 0. Errors name
// the config field.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", field, s)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for empty or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
