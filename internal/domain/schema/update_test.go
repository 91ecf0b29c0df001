package schema

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestUpdateMarshalSingleTopicAsString(t *testing.T) {
	u := Update{Topics: []string{"https://example.com/books/1"}, Data: `{"title":"Dune"}`}
	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if topic, ok := decoded["topic"].(string); !ok || topic != "https://example.com/books/1" {
		t.Fatalf("expected string topic, got %#v", decoded["topic"])
	}
	for _, key := range []string{"id", "type", "retry"} {
		value, present := decoded[key]
		if !present || value != nil {
			t.Fatalf("expected %s to be null, got %#v (present=%v)", key, value, present)
		}
	}
	if decoded["private"] != false {
		t.Fatalf("expected private=false, got %#v", decoded["private"])
	}
}

func TestUpdateMarshalTopicListAndHints(t *testing.T) {
	u := Update{
		Topics:  []string{"a", "b"},
		Data:    "x",
		Private: true,
		ID:      "evt-1",
		Type:    "book",
		Retry:   10,
	}
	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Update
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Topics) != 2 || back.Topics[1] != "b" {
		t.Fatalf("expected topic list to survive, got %v", back.Topics)
	}
	if !back.Private || back.ID != "evt-1" || back.Type != "book" || back.Retry != 10 {
		t.Fatalf("unexpected decoded update: %+v", back)
	}
}

func TestDeletionSnapshotType(t *testing.T) {
	if (DeletionSnapshot{}).Type() != nil {
		t.Fatalf("expected nil type without tags")
	}
	if got := (DeletionSnapshot{Types: []string{"Book"}}).Type(); got != "Book" {
		t.Fatalf("expected single type string, got %#v", got)
	}
	got, ok := (DeletionSnapshot{Types: []string{"Book", "Product"}}).Type().([]string)
	if !ok || len(got) != 2 {
		t.Fatalf("expected list of types, got %#v", got)
	}
}

func TestParseOutcome(t *testing.T) {
	cases := map[string]Outcome{
		"INSERT":  OutcomeCreated,
		"created": OutcomeCreated,
		"update":  OutcomeUpdated,
		" delete": OutcomeDeleted,
	}
	for raw, want := range cases {
		got, err := ParseOutcome(raw)
		if err != nil {
			t.Fatalf("ParseOutcome(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseOutcome(%q) = %v, want %v", raw, got, want)
		}
	}
	if _, err := ParseOutcome("truncate"); err == nil {
		t.Fatalf("expected error for unknown outcome")
	}
}

func TestChangeSetAdd(t *testing.T) {
	var set ChangeSet
	set.Add("a", OutcomeCreated)
	set.Add("b", OutcomeUpdated)
	set.Add("c", OutcomeDeleted)
	set.Add("d", Outcome(42))
	if set.Len() != 3 {
		t.Fatalf("expected 3 collected objects, got %d", set.Len())
	}
}
