package schema

import (
	"fmt"
	"strings"
)

// Option keys accepted in a policy option map.
const (
	OptionTopics               = "topics"
	OptionData                 = "data"
	OptionPrivate              = "private"
	OptionPrivateFields        = "private_fields"
	OptionID                   = "id"
	OptionType                 = "type"
	OptionRetry                = "retry"
	OptionNormalizationContext = "normalization_context"
	OptionHub                  = "hub"
	OptionEnableAsyncUpdate    = "enable_async_update"
)

// AllowedOptionKeys lists every option key a policy map may carry.
var AllowedOptionKeys = []string{
	OptionTopics,
	OptionData,
	OptionPrivate,
	OptionPrivateFields,
	OptionID,
	OptionType,
	OptionRetry,
	OptionNormalizationContext,
	OptionHub,
	OptionEnableAsyncUpdate,
}

// ExpressionPrefix marks a string as an expression to evaluate against the object.
const ExpressionPrefix = "@="

// IsExpression reports whether s carries the expression prefix.
func IsExpression(s string) bool {
	return strings.HasPrefix(s, ExpressionPrefix)
}

// PolicyKind tags the RawPolicy variant.
type PolicyKind uint8

const (
	// PolicyDisabled never publishes.
	PolicyDisabled PolicyKind = iota
	// PolicyDefault publishes with an empty option map.
	PolicyDefault
	// PolicyOptions publishes with a structured option map.
	PolicyOptions
	// PolicyExpression is evaluated against the mutated object before use.
	PolicyExpression
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyDisabled:
		return "disabled"
	case PolicyDefault:
		return "default"
	case PolicyOptions:
		return "options"
	case PolicyExpression:
		return "expression"
	default:
		return "unknown"
	}
}

// RawPolicy is the publish policy declared on a resource, before resolution.
type RawPolicy struct {
	Kind       PolicyKind
	Options    map[string]any
	Expression string
}

// Disabled returns a policy that never publishes.
func Disabled() RawPolicy { return RawPolicy{Kind: PolicyDisabled, Options: nil, Expression: ""} }

// Enabled returns a policy that publishes with default options.
func Enabled() RawPolicy { return RawPolicy{Kind: PolicyDefault, Options: nil, Expression: ""} }

// WithOptions returns a policy carrying an option map.
func WithOptions(opts map[string]any) RawPolicy {
	return RawPolicy{Kind: PolicyOptions, Options: opts, Expression: ""}
}

// Expression returns a policy evaluated against the object at collect time.
func Expression(expr string) RawPolicy {
	return RawPolicy{Kind: PolicyExpression, Options: nil, Expression: strings.TrimSpace(expr)}
}

// PolicyFromValue converts a loosely typed value (YAML/JSON decoded, or an
// expression result) into a RawPolicy. nil maps to Disabled.
func PolicyFromValue(v any) (RawPolicy, error) {
	switch typed := v.(type) {
	case nil:
		return Disabled(), nil
	case RawPolicy:
		return typed, nil
	case bool:
		if typed {
			return Enabled(), nil
		}
		return Disabled(), nil
	case string:
		return Expression(strings.TrimPrefix(typed, ExpressionPrefix)), nil
	case map[string]any:
		return WithOptions(typed), nil
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for key, value := range typed {
			name, ok := key.(string)
			if !ok {
				return RawPolicy{}, fmt.Errorf("policy option key %v is not a string", key)
			}
			converted[name] = value
		}
		return WithOptions(converted), nil
	default:
		return RawPolicy{}, fmt.Errorf("policy must be a boolean, an option map or an expression, got %T", v)
	}
}

// Options is a validated, normalized publish policy for one mutation.
type Options struct {
	// Topics is nil when the default topic (the absolute IRI) applies.
	Topics []string
	// Data overrides the serialized payload when non-nil.
	Data          *string
	Private       bool
	PrivateFields []string
	ID            string
	Type          string
	Retry         int
	// NormalizationContext overrides the resource-level serialization context when non-nil.
	NormalizationContext map[string]any
	// Hub selects the target hub; empty means the default hub.
	Hub   string
	Async bool
}

// DefaultOptions returns the options produced by an enabled policy without overrides.
func DefaultOptions() Options {
	return Options{
		Topics:               nil,
		Data:                 nil,
		Private:              false,
		PrivateFields:        nil,
		ID:                   "",
		Type:                 "",
		Retry:                0,
		NormalizationContext: nil,
		Hub:                  "",
		Async:                true,
	}
}

// Clone returns a deep copy of the options.
func (o Options) Clone() Options {
	out := o
	if o.Topics != nil {
		out.Topics = append([]string(nil), o.Topics...)
	}
	if o.PrivateFields != nil {
		out.PrivateFields = append([]string(nil), o.PrivateFields...)
	}
	if o.Data != nil {
		data := *o.Data
		out.Data = &data
	}
	if o.NormalizationContext != nil {
		out.NormalizationContext = make(map[string]any, len(o.NormalizationContext))
		for k, v := range o.NormalizationContext {
			out.NormalizationContext[k] = v
		}
	}
	return out
}

// IsPrivateField reports whether name is masked by the policy.
func (o Options) IsPrivateField(name string) bool {
	for _, field := range o.PrivateFields {
		if field == name {
			return true
		}
	}
	return false
}
