package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coachpo/herald/internal/domain/schema"
)

// ResourceConfig overrides the declared publish policy of one resource class.
// Mercure accepts a boolean, an option map or an "@=" expression string.
type ResourceConfig struct {
	Mercure any `yaml:"mercure"`
}

// ResourcesConfig maps resource classes onto policy overrides.
type ResourcesConfig map[string]ResourceConfig

// PolicySetter is satisfied by *resource.Registry.
type PolicySetter interface {
	SetPolicy(class string, policy schema.RawPolicy) error
}

func (r *ResourcesConfig) normalise() error {
	if *r == nil {
		return nil
	}
	out := make(ResourcesConfig, len(*r))
	for class, cfg := range *r {
		key := strings.TrimSpace(class)
		if key == "" {
			return fmt.Errorf("resource class required")
		}
		if _, err := schema.PolicyFromValue(cfg.Mercure); err != nil {
			return fmt.Errorf("resource %s: %w", key, err)
		}
		out[key] = cfg
	}
	*r = out
	return nil
}

// Classes returns the overridden classes in sorted order.
func (r ResourcesConfig) Classes() []string {
	classes := make([]string, 0, len(r))
	for class := range r {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Policies converts every override into a RawPolicy.
func (r ResourcesConfig) Policies() (map[string]schema.RawPolicy, error) {
	out := make(map[string]schema.RawPolicy, len(r))
	for class, cfg := range r {
		policy, err := schema.PolicyFromValue(cfg.Mercure)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", class, err)
		}
		out[class] = policy
	}
	return out, nil
}

// Apply installs every override on the registry.
func (r ResourcesConfig) Apply(registry PolicySetter) error {
	policies, err := r.Policies()
	if err != nil {
		return err
	}
	for _, class := range r.Classes() {
		if err := registry.SetPolicy(class, policies[class]); err != nil {
			return fmt.Errorf("apply policy for %s: %w", class, err)
		}
	}
	return nil
}

// Clone returns a copy whose option maps are not shared.
func (r ResourcesConfig) Clone() ResourcesConfig {
	if r == nil {
		return nil
	}
	out := make(ResourcesConfig, len(r))
	for class, cfg := range r {
		out[class] = ResourceConfig{Mercure: cloneValue(cfg.Mercure)}
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
