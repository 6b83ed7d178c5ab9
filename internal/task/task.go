// Package task defines declarative task definitions and the cached loader
// that reads them from a plan's directory.
package task

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// InputType enumerates the accepted input value types.
type InputType string

const (
	TypeString  InputType = "string"
	TypeInteger InputType = "integer"
	TypeBoolean InputType = "boolean"
	TypeFloat   InputType = "float"
	TypeList    InputType = "list"
	TypeDict    InputType = "dict"
)

// Meta carries task-level metadata.
type Meta struct {
	Title         string   `yaml:"title"`
	Description   string   `yaml:"description"`
	RequiresState string   `yaml:"requires_state"`
	Timeout       float64  `yaml:"timeout"`
	Resources     []string `yaml:"resources"`
}

// InputSpec declares one task input.
type InputSpec struct {
	Name        string    `yaml:"name"`
	Type        InputType `yaml:"type"`
	Required    bool      `yaml:"required"`
	Default     any       `yaml:"default"`
	Description string    `yaml:"description"`
}

// Step is one entry in a task's step list.
type Step struct {
	Name    string         `yaml:"name"`
	Action  string         `yaml:"action"`
	Params  map[string]any `yaml:"params"`
	When    string         `yaml:"when"`
	Loop    string         `yaml:"loop"`
	OnError []Step         `yaml:"on_error"`
}

// Definition is a parsed task file.
type Definition struct {
	Meta    Meta           `yaml:"meta"`
	Inputs  []InputSpec    `yaml:"inputs"`
	Steps   []Step         `yaml:"steps"`
	Returns map[string]any `yaml:"returns"`
	OnError []Step         `yaml:"on_error"`
}

// Validate checks structural soundness of a definition.
func (d *Definition) Validate() error {
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return auraerr.NewValidation("steps", "step %d has no name", i)
		}
		if seen[s.Name] {
			return auraerr.NewValidation("steps", "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Action == "" {
			return auraerr.NewValidation("steps", "step %q has no action", s.Name)
		}
		if !strings.Contains(s.Action, ".") {
			return auraerr.NewValidation("steps", "step %q action %q is not a fully qualified id", s.Name, s.Action)
		}
	}
	for _, in := range d.Inputs {
		if in.Name == "" {
			return auraerr.NewValidation("inputs", "input with empty name")
		}
		switch in.Type {
		case "", TypeString, TypeInteger, TypeBoolean, TypeFloat, TypeList, TypeDict:
		default:
			return auraerr.NewValidation("inputs", "input %q has unknown type %q", in.Name, in.Type)
		}
	}
	return nil
}

// BindInputs validates the caller-supplied bindings against the declared
// inputs, applies defaults, and returns the frozen input map. Unknown keys
// pass through untouched.
func (d *Definition) BindInputs(supplied map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(supplied))
	for k, v := range supplied {
		bound[k] = v
	}
	for _, in := range d.Inputs {
		v, ok := bound[in.Name]
		if !ok {
			if in.Required && in.Default == nil {
				return nil, auraerr.NewValidation(in.Name, "required input missing")
			}
			if in.Default != nil {
				bound[in.Name] = in.Default
			}
			continue
		}
		if err := checkType(in, v); err != nil {
			return nil, err
		}
	}
	return bound, nil
}

func checkType(in InputSpec, v any) error {
	if in.Type == "" || v == nil {
		return nil
	}
	ok := false
	switch in.Type {
	case TypeString:
		_, ok = v.(string)
	case TypeInteger:
		// JSON decoding yields float64 for every number, so integral floats
		// bind as integers.
		switch n := v.(type) {
		case int, int64:
			ok = true
		case float64:
			ok = n == math.Trunc(n)
		case float32:
			ok = float64(n) == math.Trunc(float64(n))
		case json.Number:
			_, err := n.Int64()
			ok = err == nil
		}
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeFloat:
		switch n := v.(type) {
		case float64, float32, int, int64:
			ok = true
		case json.Number:
			_, err := n.Float64()
			ok = err == nil
		}
	case TypeList:
		_, ok = v.([]any)
	case TypeDict:
		_, ok = v.(map[string]any)
	}
	if !ok {
		return auraerr.NewValidation(in.Name, "expected %s, got %T", in.Type, v)
	}
	return nil
}

// FQID formats a task reference for run ids and logs.
func FQID(plan, task string) string {
	return fmt.Sprintf("%s/%s", plan, task)
}
