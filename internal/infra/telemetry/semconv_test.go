package telemetry

import "testing"

func TestUpdateAttributesOmitsEmptyOptionalLabels(t *testing.T) {
	attrs := UpdateAttributes("dev", "", "create", "")
	if len(attrs) != 2 {
		t.Fatalf("expected environment and outcome only, got %d attributes", len(attrs))
	}
	attrs = UpdateAttributes("dev", "Book", "update", DeliveryAsync)
	if len(attrs) != 4 {
		t.Fatalf("expected four attributes, got %d", len(attrs))
	}
	if attrs[3].Value.AsString() != "async" {
		t.Fatalf("expected delivery label async, got %q", attrs[3].Value.AsString())
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })

	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	globalEnvironment = "prod"
	if got := Environment(); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
