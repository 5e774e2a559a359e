package main

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseParams merges a JSON (or YAML flow) object with key=value pairs. Values are
// decoded as YAML, so "n=3" is an int and "ok=true" a bool.
func parseParams(raw string, pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	if raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		params[key] = v
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
