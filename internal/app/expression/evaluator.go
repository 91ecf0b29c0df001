// Package expression evaluates publish-policy expressions against mutated objects.
//
// Two engines are provided: a JavaScript engine backed by goja, where struct
// fields are addressed by their json tag (object.title), and an expr-lang
// engine, where fields keep their Go names (object.Title). Both expose an
// iri(object) helper returning the absolute IRI of a resource.
package expression

import (
	"context"
	"strings"

	"github.com/coachpo/herald/errs"
)

// Evaluator runs an expression with the provided variables bound.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// IRIFunc resolves the absolute IRI of a resource object.
type IRIFunc func(obj any) (string, error)

// Engine names accepted by New.
const (
	EngineGoja = "goja"
	EngineExpr = "expr"
	EngineNone = "none"
)

// New returns the evaluator registered under name, or nil for "none".
func New(name string, iri IRIFunc) (Evaluator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EngineGoja:
		return NewGojaEngine(WithIRIFunc(iri)), nil
	case EngineExpr:
		return NewExprEngine(WithIRIFunc(iri)), nil
	case EngineNone:
		return nil, nil
	default:
		return nil, errs.New("expression", errs.CodeConfiguration,
			errs.WithOption("engine"),
			errs.WithMessage("unknown expression engine "+name))
	}
}

type settings struct {
	iri IRIFunc
}

// Option configures an engine.
type Option func(*settings)

// WithIRIFunc installs the resolver backing the iri() helper.
func WithIRIFunc(fn IRIFunc) Option {
	return func(s *settings) {
		if fn != nil {
			s.iri = fn
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{iri: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func compileError(component, expression string, err error) error {
	return errs.New(component, errs.CodeConfiguration,
		errs.WithCanonicalCode(errs.CanonicalExpressionFailed),
		errs.WithMessage("compile expression"),
		errs.WithField("expression", expression),
		errs.WithCause(err))
}

func runError(component, expression string, err error) error {
	return errs.New(component, errs.CodeInvalid,
		errs.WithCanonicalCode(errs.CanonicalExpressionFailed),
		errs.WithMessage("evaluate expression"),
		errs.WithField("expression", expression),
		errs.WithCause(err))
}

func missingIRI(component string) error {
	return errs.New(component, errs.CodeConfiguration,
		errs.WithMessage("iri() called without a resolver"))
}
