package config

import "sort"

const (
	FailureCritical = "critical"
	FailureWarning  = "warning"

	StrategyStandard = "standard"
	StrategyTooling  = "tooling"
	StrategyBundle   = "bundle"
)

// ValidatorConfig maps validation levels to ordered validator names and carries
// per-validator access requirements, failure modes and options.
type ValidatorConfig struct {
	DefaultLevel string                   `yaml:"default_level"`
	Critical     []string                 `yaml:"critical"`
	Levels       map[string][]string      `yaml:"levels"`
	Validators   map[string]ValidatorSpec `yaml:"validators"`
}

type ValidatorSpec struct {
	Access      []string       `yaml:"access"`
	FailureMode string         `yaml:"failure_mode"`
	Options     map[string]any `yaml:"options"`
}

// NewValidatorConfig returns src when it defines a level table, otherwise the
// compiled-in table. The boolean reports whether the fallback was used.
func NewValidatorConfig(src *ValidatorConfig) (ValidatorConfig, bool) {
	def := Default().Validation
	if src == nil || len(src.Levels) == 0 {
		return def, true
	}
	out := *src
	if out.DefaultLevel == "" {
		out.DefaultLevel = def.DefaultLevel
	}
	if len(out.Critical) == 0 {
		out.Critical = def.Critical
	}
	if out.Validators == nil {
		out.Validators = map[string]ValidatorSpec{}
	}
	for name, spec := range def.Validators {
		if _, ok := out.Validators[name]; !ok {
			out.Validators[name] = spec
		}
	}
	return out, false
}

// Level returns the ordered validator names for level.
func (v ValidatorConfig) Level(level string) ([]string, bool) {
	names, ok := v.Levels[level]
	if !ok {
		return nil, false
	}
	out := make([]string, len(names))
	copy(out, names)
	return out, true
}

// LevelNames returns the configured level names sorted by validator count.
func (v ValidatorConfig) LevelNames() []string {
	names := make([]string, 0, len(v.Levels))
	for name := range v.Levels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		li, lj := len(v.Levels[names[i]]), len(v.Levels[names[j]])
		if li != lj {
			return li < lj
		}
		return names[i] < names[j]
	})
	return names
}

// Spec returns the validator spec; unknown validators get warning mode and no access needs.
func (v ValidatorConfig) Spec(name string) ValidatorSpec {
	spec, ok := v.Validators[name]
	if !ok {
		return ValidatorSpec{FailureMode: FailureWarning}
	}
	if spec.FailureMode == "" {
		spec.FailureMode = FailureWarning
	}
	return spec
}

// TypeQuery is the production query configuration of one component type.
type TypeQuery struct {
	Strategy     string   `yaml:"strategy"`
	Object       string   `yaml:"object"`
	CompareField string   `yaml:"compare_field"`
	Disabled     bool     `yaml:"disabled"`
	URLDecode    bool     `yaml:"url_decode"`
	Extract      string   `yaml:"extract"`
	Remove       []string `yaml:"remove"`
}

// Field returns the comparison field, defaulting to Name.
func (q TypeQuery) Field() string {
	if q.CompareField == "" {
		return "Name"
	}
	return q.CompareField
}

// ComponentQueryConfig maps component type to its query configuration.
type ComponentQueryConfig map[string]TypeQuery

// NewComponentQueryConfig returns src when non-empty, otherwise the compiled-in table.
func NewComponentQueryConfig(src ComponentQueryConfig) (ComponentQueryConfig, bool) {
	if len(src) == 0 {
		return Default().Components, true
	}
	return src, false
}

// Lookup returns the enabled query configuration for a component type.
func (c ComponentQueryConfig) Lookup(componentType string) (TypeQuery, bool) {
	q, ok := c[componentType]
	if !ok || q.Disabled {
		return TypeQuery{}, false
	}
	return q, true
}
