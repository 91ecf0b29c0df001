package expression

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

const gojaComponent = "expression/goja"

// GojaEngine evaluates JavaScript expressions. Programs are compiled once and
// cached; every evaluation runs on a fresh runtime so no state leaks between
// mutations.
type GojaEngine struct {
	settings settings

	mu       sync.RWMutex
	programs map[string]*goja.Program
}

// NewGojaEngine constructs a JavaScript expression engine.
func NewGojaEngine(opts ...Option) *GojaEngine {
	return &GojaEngine{
		settings: buildSettings(opts),
		mu:       sync.RWMutex{},
		programs: make(map[string]*goja.Program),
	}
}

// Evaluate runs expression with vars bound as globals and exports the result to Go values.
func (e *GojaEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for name, value := range vars {
		if err := rt.Set(name, value); err != nil {
			return nil, runError(gojaComponent, expression, fmt.Errorf("bind %s: %w", name, err))
		}
	}
	if err := rt.Set("iri", e.iriHelper(rt)); err != nil {
		return nil, runError(gojaComponent, expression, err)
	}

	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := rt.RunProgram(program)
	if err != nil {
		return nil, runError(gojaComponent, expression, err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (e *GojaEngine) compile(expression string) (*goja.Program, error) {
	source := strings.TrimSpace(expression)
	e.mu.RLock()
	program, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	// Parenthesised so object literals parse as expressions rather than blocks.
	program, err := goja.Compile("expression", "("+source+")", true)
	if err != nil {
		return nil, compileError(gojaComponent, source, err)
	}
	e.mu.Lock()
	e.programs[source] = program
	e.mu.Unlock()
	return program, nil
}

func (e *GojaEngine) iriHelper(rt *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if e.settings.iri == nil {
			panic(rt.NewGoError(missingIRI(gojaComponent)))
		}
		iri, err := e.settings.iri(call.Argument(0).Export())
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(iri)
	}
}
