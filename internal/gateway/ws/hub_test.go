package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pkgferry/pkgferry/internal/events"
)

func TestServeStreamsTaskEvents(t *testing.T) {
	ev := events.NewHub(64)
	defer ev.Close()

	hub := NewHub(ev)
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "task-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server side to finish registering the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev.Publish("task-1", events.TypeProgress, events.Event{
		Phase:   events.PhaseDownloading,
		Current: 3,
		Total:   10,
		Message: "Packed lodash",
	})
	ev.Publish("task-2", events.TypeStatus, events.Event{Message: "other task"})
	ev.Publish("task-1", events.TypeComplete, events.Event{Message: "done"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var first events.Event
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.TaskID != "task-1" || first.Type != events.TypeProgress || first.Current != 3 {
		t.Errorf("first event = %+v", first)
	}

	// The task-2 event must not appear on this stream.
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var second events.Event
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.TaskID != "task-1" || second.Type != events.TypeComplete {
		t.Errorf("second event = %+v", second)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	ev := events.NewHub(64)
	defer ev.Close()

	hub := NewHub(ev)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "task-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Close()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read should fail after hub close")
	}
	if n := ev.ListenerCount("task-1"); n != 0 {
		t.Errorf("listener count = %d, want 0", n)
	}
}
