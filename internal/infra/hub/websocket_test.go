package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

func TestWebsocketHubWritesUpdates(t *testing.T) {
	frames := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		frames <- data
		_, _, _ = conn.Read(r.Context())
	}))
	defer server.Close()

	h, err := NewWebsocketHub(WebsocketConfig{Name: "relay", URL: "ws" + strings.TrimPrefix(server.URL, "http")})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()

	update := schema.Update{Topics: []string{"https://example.com/books/1"}, Data: `{"title":"Dune"}`}
	if err := h.Publish(context.Background(), update); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case raw := <-frames:
		var got schema.Update
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if got.Data != update.Data || len(got.Topics) != 1 || got.Topics[0] != update.Topics[0] {
			t.Fatalf("unexpected frame %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame not received")
	}
}

func TestWebsocketHubDialFailure(t *testing.T) {
	h, err := NewWebsocketHub(WebsocketConfig{URL: "ws://127.0.0.1:1/updates", DialAttempts: 1})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()
	err = h.Publish(context.Background(), schema.Update{Topics: []string{"t"}})
	if !errs.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestWebsocketHubRequiresWebsocketScheme(t *testing.T) {
	if _, err := NewWebsocketHub(WebsocketConfig{URL: "http://example.com"}); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
