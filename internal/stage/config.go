// Package stage implements the closed set of built-in stage kinds, their
// registry-based dispatch, and the Stage interface that the resolver and
// executors drive.
package stage

import (
	"fmt"
	"regexp"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// namePattern is the conservative identifier pattern stage names must
// match: letters, digits, and underscores, not starting with a digit.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the immutable record describing one node in the graph.
type Config struct {
	Name    string                 `json:"name"`
	Kind    string                 `json:"kind"`
	Inputs  []string               `json:"inputs,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Validate checks the name pattern and kind; it does not check that
// input references resolve, which is the registry/pipeline's job once
// all configs are known.
func (c *Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: stage name %q is not a valid identifier", perr.ErrConfigError, c.Name)
	}
	if _, ok := constructors[c.Kind]; !ok {
		return fmt.Errorf("%w: unknown stage kind %q for stage %q", perr.ErrConfigError, c.Kind, c.Name)
	}
	return nil
}

// DefinitionHash is the stable hash of every field of the config —
// per §9's Open Question (a), this is the ONLY place definition_hash is
// computed; artifacts and backends always ask a Config for it rather
// than re-deriving it via reflection.
func (c *Config) DefinitionHash() string {
	canon := map[string]interface{}{
		"name":    c.Name,
		"kind":    c.Kind,
		"inputs":  c.Inputs,
		"options": c.Options,
	}
	hash, err := artifact.StableHashJSON(canon)
	if err != nil {
		// Options are always the result of decoding JSON, so this can
		// only happen if a caller hand-built an unmarshalable value.
		panic(fmt.Sprintf("stage: config %q is not hashable: %v", c.Name, err))
	}
	return hash
}

// BoolOption reads a boolean option, defaulting to def if absent or of
// the wrong type.
func (c *Config) BoolOption(key string, def bool) bool {
	v, ok := c.Options[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// StringOption reads a string option, defaulting to def if absent.
func (c *Config) StringOption(key, def string) string {
	v, ok := c.Options[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// ListOptions returns the subset of Options whose values are JSON
// arrays, used by GridSearch to find its list-valued options.
func (c *Config) ListOptions() map[string][]interface{} {
	out := map[string][]interface{}{}
	for k, v := range c.Options {
		if list, ok := v.([]interface{}); ok {
			out[k] = list
		}
	}
	return out
}
