// Package config loads a pipeline definition from a JSON document, the
// object's top-level keys being stage names and their values the stage
// bodies, mirroring PipelineConfigLoader's object_pairs_hook load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pipetree/pipetree/internal/perr"
	"github.com/pipetree/pipetree/internal/stage"
)

// rawStage is the on-disk shape of one stage entry: everything besides
// "type" and "inputs" is treated as a kind-specific option.
type rawStage struct {
	Type   string                 `json:"type"`
	Inputs []string               `json:"inputs"`
	Extra  map[string]interface{} `json:"-"`
}

// UnmarshalJSON splits the known fields from the freeform option bag.
func (r *rawStage) UnmarshalJSON(b []byte) error {
	var all map[string]interface{}
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	if t, ok := all["type"].(string); ok {
		r.Type = t
	}
	delete(all, "type")
	if rawInputs, ok := all["inputs"]; ok {
		list, ok := rawInputs.([]interface{})
		if !ok {
			return fmt.Errorf("%w: \"inputs\" must be an array of stage names", perr.ErrConfigError)
		}
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: \"inputs\" entries must be strings", perr.ErrConfigError)
			}
			r.Inputs = append(r.Inputs, s)
		}
	}
	delete(all, "inputs")
	r.Extra = all
	return nil
}

// normalizeKind strips a trailing "PipelineStage" suffix, so that both
// "Parameter" and "ParameterPipelineStage" name the registered kind
// "Parameter", matching the original loader's forgiving type field.
func normalizeKind(kind string) string {
	const suffix = "PipelineStage"
	if len(kind) >= len(suffix) && kind[len(kind)-len(suffix):] == suffix {
		return kind[:len(kind)-len(suffix)]
	}
	return kind
}

// LoadFile reads a JSON pipeline document from path and returns one
// stage.Config per top-level key, in file order is not preserved (Go's
// encoding/json does not expose key order), so callers should not
// depend on config slice order for anything beyond convenience;
// dependency ordering is recovered structurally by pipeline.Build.
func LoadFile(path string) ([]*stage.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pipeline config %s: %v", perr.ErrConfigError, path, err)
	}
	return LoadBytes(b)
}

// LoadBytes parses a JSON pipeline document already in memory.
func LoadBytes(b []byte) ([]*stage.Config, error) {
	var doc map[string]rawStage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing pipeline config: %v", perr.ErrConfigError, err)
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]*stage.Config, 0, len(doc))
	for _, name := range names {
		raw := doc[name]
		if raw.Type == "" {
			return nil, fmt.Errorf("%w: stage %q is missing required \"type\" field", perr.ErrConfigError, name)
		}
		cfg := &stage.Config{
			Name:    name,
			Kind:    normalizeKind(raw.Type),
			Inputs:  raw.Inputs,
			Options: raw.Extra,
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
