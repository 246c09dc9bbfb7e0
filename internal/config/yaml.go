package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON returns data as JSON. YAML files are re-encoded so both formats go
// through the same strict decoder; anything else is passed through.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(name), err)
	}
	doc, err := stringKeys("", doc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(name), err)
	}
	return json.Marshal(doc)
}

// stringKeys rejects mappings with non-string keys, which no config section
// has, and reports the dotted key where one appears.
func stringKeys(at string, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			out, err := stringKeys(join(at, k), item)
			if err != nil {
				return nil, err
			}
			x[k] = out
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a name", orRoot(at), k)
			}
			out, err := stringKeys(join(at, ks), item)
			if err != nil {
				return nil, err
			}
			m[ks] = out
		}
		return m, nil
	case []any:
		for i, item := range x {
			out, err := stringKeys(fmt.Sprintf("%s[%d]", at, i), item)
			if err != nil {
				return nil, err
			}
			x[i] = out
		}
		return x, nil
	}
	return v, nil
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "top level"
	}
	return at
}
