// Package policy resolves the raw publish policy declared on a resource into
// validated options for a single mutation.
package policy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/app/expression"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
)

const component = "publisher/policy"

// ObjectVar is the name the mutated object is bound to inside expressions.
const ObjectVar = "object"

// Resolver turns RawPolicy values into schema.Options.
type Resolver struct {
	evaluator  expression.Evaluator
	identities resource.IdentityResolver
}

// NewResolver creates a resolver. evaluator may be nil; resolution then fails
// only when an expression is actually encountered.
func NewResolver(evaluator expression.Evaluator, identities resource.IdentityResolver) *Resolver {
	return &Resolver{evaluator: evaluator, identities: identities}
}

// Resolve evaluates meta's policy against obj, including topic expressions.
// ok is false when the policy says not to publish, which is not an error.
func (r *Resolver) Resolve(ctx context.Context, meta resource.Metadata, obj any) (schema.Options, bool, error) {
	opts, ok, err := r.Policy(ctx, meta, obj)
	if err != nil || !ok {
		return opts, ok, err
	}
	if opts.Topics, err = r.Topics(ctx, meta.Class, opts.Topics, obj); err != nil {
		return schema.Options{}, false, err
	}
	return opts, true, nil
}

// Policy evaluates meta's policy against obj but leaves "@=" topic
// expressions untouched, so they can be evaluated later with Topics.
func (r *Resolver) Policy(ctx context.Context, meta resource.Metadata, obj any) (schema.Options, bool, error) {
	raw := meta.Mercure
	if raw.Kind == schema.PolicyExpression {
		value, err := r.evaluate(ctx, meta.Class, raw.Expression, obj)
		if err != nil {
			return schema.Options{}, false, err
		}
		raw, err = fromResult(meta.Class, value)
		if err != nil {
			return schema.Options{}, false, err
		}
	}

	switch raw.Kind {
	case schema.PolicyDisabled:
		return schema.Options{}, false, nil
	case schema.PolicyDefault:
		return schema.DefaultOptions(), true, nil
	case schema.PolicyOptions:
		opts, err := Decode(meta.Class, raw.Options)
		if err != nil {
			return schema.Options{}, false, err
		}
		return opts, true, nil
	default:
		return schema.Options{}, false, invalidPolicy(meta.Class, fmt.Sprintf("unsupported policy kind %s", raw.Kind))
	}
}

// Validate checks a declared option map without evaluating anything, so
// misconfigured resources fail before the first publish.
func (r *Resolver) Validate(meta resource.Metadata) error {
	if meta.Mercure.Kind != schema.PolicyOptions {
		return nil
	}
	_, err := Decode(meta.Class, meta.Mercure.Options)
	return err
}

// Snapshot captures the identity of obj before it is deleted.
func (r *Resolver) Snapshot(meta resource.Metadata, obj any) (schema.DeletionSnapshot, error) {
	if r.identities == nil {
		return schema.DeletionSnapshot{}, errs.New(component, errs.CodeConfiguration,
			errs.WithResource(meta.Class),
			errs.WithMessage("identity resolver required"))
	}
	id, err := r.identities.IRI(obj, resource.AbsPath)
	if err != nil {
		return schema.DeletionSnapshot{}, fmt.Errorf("snapshot id: %w", err)
	}
	iri, err := r.identities.IRI(obj, resource.AbsURL)
	if err != nil {
		return schema.DeletionSnapshot{}, fmt.Errorf("snapshot iri: %w", err)
	}
	return schema.DeletionSnapshot{
		ID:    id,
		IRI:   iri,
		Types: append([]string(nil), meta.Types...),
	}, nil
}

func (r *Resolver) evaluate(ctx context.Context, class, expr string, obj any) (any, error) {
	if r.evaluator == nil {
		return nil, errs.Configuration(component, class, errs.CanonicalExpressionEngineMissing,
			"cannot evaluate policy expression without an expression engine",
			errs.WithField("expression", expr))
	}
	value, err := r.evaluator.Evaluate(ctx, expr, map[string]any{ObjectVar: obj})
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", class, err)
	}
	return value, nil
}

// Topics replaces every "@=" topic with the result of its expression.
func (r *Resolver) Topics(ctx context.Context, class string, topics []string, obj any) ([]string, error) {
	if topics == nil {
		return nil, nil
	}
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if !schema.IsExpression(topic) {
			out = append(out, topic)
			continue
		}
		value, err := r.evaluate(ctx, class, strings.TrimPrefix(topic, schema.ExpressionPrefix), obj)
		if err != nil {
			return nil, err
		}
		resolved, ok := stringList(value)
		if !ok {
			return nil, errs.Configuration(component, class, errs.CanonicalInvalidPolicy,
				fmt.Sprintf("topic expression must return a string or a list of strings, got %T", value),
				errs.WithOption(schema.OptionTopics))
		}
		out = append(out, resolved...)
	}
	return out, nil
}

// fromResult maps an expression result back onto a policy. Only booleans and
// option maps are acceptable.
func fromResult(class string, value any) (schema.RawPolicy, error) {
	switch value.(type) {
	case bool, map[string]any, map[any]any:
		raw, err := schema.PolicyFromValue(value)
		if err != nil {
			return schema.RawPolicy{}, invalidPolicy(class, err.Error())
		}
		return raw, nil
	default:
		return schema.RawPolicy{}, invalidPolicy(class,
			fmt.Sprintf("the value of the \"mercure\" attribute must be a boolean or an option map, got %T", value))
	}
}

// Decode validates the keys of an option map and converts it to typed options.
func Decode(class string, raw map[string]any) (schema.Options, error) {
	opts := schema.DefaultOptions()
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !allowed(key) {
			return schema.Options{}, unknownOption(class, key)
		}
	}

	for _, key := range keys {
		value := raw[key]
		var err error
		switch key {
		case schema.OptionTopics:
			topics, ok := stringList(value)
			if !ok {
				err = typeMismatch(class, key, "a string or a list of strings", value)
			}
			opts.Topics = topics
		case schema.OptionData:
			data, ok := value.(string)
			if !ok {
				err = typeMismatch(class, key, "a string", value)
			}
			opts.Data = &data
		case schema.OptionPrivate:
			opts.Private, err = boolValue(class, key, value)
		case schema.OptionPrivateFields:
			fields, ok := stringList(value)
			if !ok {
				err = typeMismatch(class, key, "a list of strings", value)
			}
			opts.PrivateFields = fields
		case schema.OptionID:
			opts.ID, err = stringValue(class, key, value)
		case schema.OptionType:
			opts.Type, err = stringValue(class, key, value)
		case schema.OptionRetry:
			opts.Retry, err = intValue(class, key, value)
		case schema.OptionNormalizationContext:
			ctxMap, ok := mapValue(value)
			if !ok {
				err = typeMismatch(class, key, "a map", value)
			}
			opts.NormalizationContext = ctxMap
		case schema.OptionHub:
			opts.Hub, err = stringValue(class, key, value)
		case schema.OptionEnableAsyncUpdate:
			opts.Async, err = boolValue(class, key, value)
		}
		if err != nil {
			return schema.Options{}, err
		}
	}
	return opts, nil
}

func allowed(key string) bool {
	for _, candidate := range schema.AllowedOptionKeys {
		if candidate == key {
			return true
		}
	}
	return false
}

func unknownOption(class, key string) error {
	existing := append([]string(nil), schema.AllowedOptionKeys...)
	sort.Strings(existing)
	return errs.Configuration(component, class, errs.CanonicalUnknownOption,
		fmt.Sprintf("the option %q set in the \"mercure\" attribute of the %q resource does not exist", key, class),
		errs.WithOption(key),
		errs.WithField("allowed", strings.Join(existing, ",")))
}

func invalidPolicy(class, msg string) error {
	return errs.Configuration(component, class, errs.CanonicalInvalidPolicy, msg)
}

func typeMismatch(class, key, want string, got any) error {
	return errs.Configuration(component, class, errs.CanonicalInvalidPolicy,
		fmt.Sprintf("option %q must be %s, got %T", key, want, got),
		errs.WithOption(key))
}

func stringValue(class, key string, value any) (string, error) {
	if value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", typeMismatch(class, key, "a string", value)
	}
	return s, nil
}

func boolValue(class, key string, value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, typeMismatch(class, key, "a boolean", value)
	}
	return b, nil
}

func intValue(class, key string, value any) (int, error) {
	var n int64
	switch typed := value.(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(typed)
	case int32:
		n = int64(typed)
	case int64:
		n = typed
	case uint:
		if uint64(typed) > math.MaxInt32 {
			return 0, typeMismatch(class, key, "a non-negative integer", value)
		}
		n = int64(typed)
	case uint64:
		if typed > math.MaxInt32 {
			return 0, typeMismatch(class, key, "a non-negative integer", value)
		}
		n = int64(typed)
	case float64:
		if typed != math.Trunc(typed) || typed > math.MaxInt32 || typed < math.MinInt32 {
			return 0, typeMismatch(class, key, "a non-negative integer", value)
		}
		n = int64(typed)
	default:
		return 0, typeMismatch(class, key, "a non-negative integer", value)
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, typeMismatch(class, key, "a non-negative integer", value)
	}
	return int(n), nil
}

func stringList(value any) ([]string, bool) {
	switch typed := value.(type) {
	case string:
		return []string{typed}, true
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			nested, ok := stringList(item)
			if !ok {
				return nil, false
			}
			out = append(out, nested...)
		}
		return out, true
	default:
		return nil, false
	}
}

func mapValue(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, false
			}
			out[name] = nested
		}
		return out, true
	default:
		return nil, false
	}
}
