// Package config loads command defaults from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader. Nested mappings are flattened with "-" so
//
//	postgres:
//	  max_conns: 20
//
// sets the --postgres-max-conns flag. Underscores in keys are read as dashes. Sequences
// become comma separated lists.
func YAML(r io.Reader) (kong.Resolver, error) {
	raw := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode yaml config: %w", err)
	}

	values := map[string]string{}
	if err := flatten("", raw, values); err != nil {
		return nil, err
	}

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := values[flag.Name]
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return f, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	for k, v := range node {
		key := strings.ReplaceAll(k, "_", "-")
		if prefix != "" {
			key = prefix + "-" + key
		}

		switch val := v.(type) {
		case map[string]any:
			if err := flatten(key, val, out); err != nil {
				return err
			}
		case []any:
			items := make([]string, 0, len(val))
			for _, item := range val {
				if _, nested := item.(map[string]any); nested {
					return fmt.Errorf("config key %s: lists of mappings are not supported", key)
				}
				items = append(items, fmt.Sprint(item))
			}
			out[key] = strings.Join(items, ",")
		case nil:
			// an empty value leaves the flag default in place
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return nil
}
