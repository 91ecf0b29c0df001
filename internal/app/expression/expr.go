package expression

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const exprComponent = "expression/expr"

// ExprEngine evaluates expr-lang expressions. Programs are type-checked
// against the bound variables, so the cache is keyed by expression and the
// Go types of the variables.
type ExprEngine struct {
	settings settings
	programs sync.Map
}

// NewExprEngine constructs an expr-lang engine.
func NewExprEngine(opts ...Option) *ExprEngine {
	return &ExprEngine{
		settings: buildSettings(opts),
		programs: sync.Map{},
	}
}

// Evaluate compiles (or reuses) the program for expression and runs it against vars.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	source := strings.TrimSpace(expression)
	env := make(map[string]any, len(vars))
	for name, value := range vars {
		env[name] = value
	}
	program, err := e.compile(source, env)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, runError(exprComponent, source, err)
	}
	return out, nil
}

func (e *ExprEngine) compile(source string, env map[string]any) (*vm.Program, error) {
	key := cacheKey(source, env)
	if cached, ok := e.programs.Load(key); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(source,
		expr.Env(env),
		expr.AsAny(),
		expr.Function("iri", e.iri, new(func(any) string)),
	)
	if err != nil {
		return nil, compileError(exprComponent, source, err)
	}
	e.programs.Store(key, program)
	return program, nil
}

func (e *ExprEngine) iri(params ...any) (any, error) {
	if e.settings.iri == nil {
		return nil, missingIRI(exprComponent)
	}
	if len(params) != 1 {
		return nil, fmt.Errorf("iri expects one argument, got %d", len(params))
	}
	return e.settings.iri(params[0])
}

func cacheKey(source string, env map[string]any) string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(source)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s:%T", name, env[name])
	}
	return b.String()
}
