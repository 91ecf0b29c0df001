package hub

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

func TestRegistryResolvesDefaultAndNamedHubs(t *testing.T) {
	defer goleak.VerifyNone(t)
	primary := NewMemoryHub(MemoryConfig{Name: "primary"})
	secondary := NewMemoryHub(MemoryConfig{Name: "Secondary"})
	registry := NewRegistry(primary, secondary)
	defer registry.Close()

	if registry.Default() != "primary" {
		t.Fatalf("expected first hub to be default, got %q", registry.Default())
	}
	got, err := registry.Hub("")
	if err != nil || got != primary {
		t.Fatalf("expected default hub, got %v err=%v", got, err)
	}
	got, err = registry.Hub(" secondary ")
	if err != nil || got != secondary {
		t.Fatalf("expected named hub lookup to be case-insensitive, got %v err=%v", got, err)
	}
	if err := registry.SetDefault("secondary"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if got, _ := registry.Hub(""); got != secondary {
		t.Fatalf("expected default to move to secondary")
	}
	if names := registry.Names(); len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistryUnknownHub(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Hub("missing")
	if !errs.IsConfiguration(err) || errs.Canonical(err) != errs.CanonicalHubNotFound {
		t.Fatalf("expected hub_not_found configuration error, got %v", err)
	}
	if err := registry.SetDefault("missing"); err == nil {
		t.Fatalf("expected error when defaulting to unknown hub")
	}
}

func TestMemoryHubDeliversToMatchingSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewMemoryHub(MemoryConfig{})
	defer hub.Close()
	ctx := context.Background()

	_, books, err := hub.Subscribe(ctx, "https://example.com/books/1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, all, err := hub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	_, other, err := hub.Subscribe(ctx, "https://example.com/books/2")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	update := schema.Update{Topics: []string{"https://example.com/books/1"}, Data: `{"title":"Dune"}`}
	if err := hub.Publish(ctx, update); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan schema.Update{"books": books, "all": all} {
		select {
		case got := <-ch:
			if got.Data != update.Data {
				t.Fatalf("%s: unexpected payload %q", name, got.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: update not delivered", name)
		}
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected delivery to unrelated topic: %+v", got)
	default:
	}
}

func TestMemoryHubDropsOldestWhenSubscriberLags(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewMemoryHub(MemoryConfig{BufferSize: 1})
	defer hub.Close()
	ctx := context.Background()
	_, ch, err := hub.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, data := range []string{"first", "second"} {
		if err := hub.Publish(ctx, schema.Update{Topics: []string{"t"}, Data: data}); err != nil {
			t.Fatalf("publish %s: %v", data, err)
		}
	}
	if got := <-ch; got.Data != "second" {
		t.Fatalf("expected newest update to survive, got %q", got.Data)
	}
}

func TestMemoryHubUnsubscribeAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewMemoryHub(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	id, ch, err := hub.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	_, ch2, err := hub.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch2:
		if ok {
			t.Fatalf("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed on context cancel")
	}
	_ = hub.Close()
	if err := hub.Publish(context.Background(), schema.Update{Topics: []string{"t"}}); !errs.IsTransport(err) {
		t.Fatalf("expected transport error after close, got %v", err)
	}
}

func TestMemoryHubRejectsTopiclessUpdate(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewMemoryHub(MemoryConfig{})
	defer hub.Close()
	if err := hub.Publish(context.Background(), schema.Update{Data: "{}"}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
}
