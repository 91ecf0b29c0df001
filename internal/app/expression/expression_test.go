package expression

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/testutil/fixtures"
)

func iriResolver() IRIFunc {
	reg := fixtures.Registry(schema.Enabled())
	return func(obj any) (string, error) {
		return reg.IRI(obj, resource.AbsURL)
	}
}

func TestGojaEvaluatesAgainstJSONFieldNames(t *testing.T) {
	engine := NewGojaEngine(WithIRIFunc(iriResolver()))
	book := fixtures.NewBook(3, "Dune")

	out, err := engine.Evaluate(context.Background(), `object.public ? {"topics": [iri(object), "/books"]} : false`, map[string]any{"object": book})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	opts, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", out)
	}
	topics, ok := opts["topics"].([]any)
	if !ok || len(topics) != 2 {
		t.Fatalf("expected two topics, got %#v", opts["topics"])
	}
	if topics[0] != "https://example.com/books/3" {
		t.Fatalf("expected iri topic, got %v", topics[0])
	}

	book.Public = false
	out, err = engine.Evaluate(context.Background(), `object.public ? {"topics": [iri(object), "/books"]} : false`, map[string]any{"object": book})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != false {
		t.Fatalf("expected false for private book, got %#v", out)
	}
}

func TestGojaCompileErrorIsConfiguration(t *testing.T) {
	engine := NewGojaEngine()
	_, err := engine.Evaluate(context.Background(), "object.(", map[string]any{"object": 1})
	if !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if errs.Canonical(err) != errs.CanonicalExpressionFailed {
		t.Fatalf("expected expression_failed canonical code, got %s", errs.Canonical(err))
	}
}

func TestGojaIRIWithoutResolverFails(t *testing.T) {
	engine := NewGojaEngine()
	_, err := engine.Evaluate(context.Background(), "iri(object)", map[string]any{"object": fixtures.NewBook(1, "x")})
	if err == nil {
		t.Fatalf("expected error when iri resolver is missing")
	}
}

func TestGojaHonoursCancellation(t *testing.T) {
	engine := NewGojaEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Evaluate(ctx, "(function(){ while (true) {} })()", nil)
	if err == nil {
		t.Fatalf("expected interrupted evaluation to fail")
	}
}

func TestExprEngineEvaluatesGoFieldNames(t *testing.T) {
	engine := NewExprEngine(WithIRIFunc(iriResolver()))
	book := fixtures.NewBook(5, "Emma")

	out, err := engine.Evaluate(context.Background(), `object.Public ? iri(object) : ""`, map[string]any{"object": book})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != "https://example.com/books/5" {
		t.Fatalf("unexpected result %#v", out)
	}

	// Same expression, different bound type: must recompile rather than reuse.
	out, err = engine.Evaluate(context.Background(), `object.Public ? iri(object) : ""`, map[string]any{"object": map[string]any{"Public": false}})
	if err != nil {
		t.Fatalf("evaluate with map: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty string, got %#v", out)
	}
}

func TestExprEngineCancelledContext(t *testing.T) {
	engine := NewExprEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Evaluate(ctx, "true", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSelectsEngine(t *testing.T) {
	eval, err := New("expr", nil)
	if err != nil {
		t.Fatalf("New(expr): %v", err)
	}
	if _, ok := eval.(*ExprEngine); !ok {
		t.Fatalf("expected expr engine, got %T", eval)
	}
	eval, err = New("none", nil)
	if err != nil || eval != nil {
		t.Fatalf("expected nil evaluator for none, got %T err=%v", eval, err)
	}
	if _, err := New("lua", nil); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error for unknown engine, got %v", err)
	}
}
