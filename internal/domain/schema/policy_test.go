package schema

import "testing"

func TestPolicyFromValue(t *testing.T) {
	cases := []struct {
		name string
		in   any
		kind PolicyKind
	}{
		{"nil", nil, PolicyDisabled},
		{"false", false, PolicyDisabled},
		{"true", true, PolicyDefault},
		{"map", map[string]any{"private": true}, PolicyOptions},
		{"yaml map", map[any]any{"topics": "a"}, PolicyOptions},
		{"expression", "@=object.public", PolicyExpression},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PolicyFromValue(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, got.Kind)
			}
		})
	}

	expr, _ := PolicyFromValue("@=object.public")
	if expr.Expression != "object.public" {
		t.Fatalf("expected prefix to be stripped, got %q", expr.Expression)
	}
	if _, err := PolicyFromValue(42); err == nil {
		t.Fatalf("expected error for numeric policy")
	}
	if _, err := PolicyFromValue(map[any]any{1: true}); err == nil {
		t.Fatalf("expected error for non-string option key")
	}
}

func TestOptionsCloneIsDeep(t *testing.T) {
	data := "payload"
	opts := DefaultOptions()
	opts.Topics = []string{"a"}
	opts.Data = &data
	opts.NormalizationContext = map[string]any{"groups": []string{"read"}}

	clone := opts.Clone()
	clone.Topics[0] = "b"
	*clone.Data = "changed"
	clone.NormalizationContext["extra"] = true

	if opts.Topics[0] != "a" || *opts.Data != "payload" || len(opts.NormalizationContext) != 1 {
		t.Fatalf("clone mutated the original: %+v", opts)
	}
	if !opts.Async {
		t.Fatalf("expected async to default to true")
	}
}
