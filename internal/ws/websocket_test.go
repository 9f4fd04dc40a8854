package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HakAl/relayview/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ObserverReceivesTaskEvents(t *testing.T) {
	t.Parallel()

	hub, _ := startHub(t)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	reg := task.NewRegistry(task.RegistryConfig{Hooks: task.Hooks{
		OnStart:    hub.TaskStarted,
		OnUpdate:   hub.TaskUpdated,
		OnComplete: hub.TaskCompleted,
	}})
	tk := reg.Start(task.KindHTTP, "GET /feed")
	tk.Update("", "200 - writing response")
	tk.Succeed(200, "")

	wantTypes := []string{MessageTypeTaskStart, MessageTypeTaskUpdate, MessageTypeTaskComplete}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var last TaskSummary
	for i, want := range wantTypes {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() %d error = %v", i, err)
		}
		var msg struct {
			Type string      `json:"type"`
			Data TaskSummary `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if msg.Type != want {
			t.Errorf("message %d type = %q, want %q", i, msg.Type, want)
		}
		if msg.Data.ID != tk.ID() {
			t.Errorf("message %d id = %q, want %q", i, msg.Data.ID, tk.ID())
		}
		last = msg.Data
	}

	if last.Outcome != "success" || last.Code != 200 || last.DurationMs == nil {
		t.Errorf("completion summary = %+v", last)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	hub, _ := startHub(t)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Dial() with foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestHub_SlowClientRemoval(t *testing.T) {
	t.Parallel()

	hub, _ := startHub(t)

	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	for i := 0; i < 10; i++ {
		hub.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	}

	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_GracefulShutdown(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		hub.register <- &Client{hub: hub, send: make(chan []byte, 256)}
	}
	waitFor(t, func() bool { return hub.ClientCount() == 3 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not exit on context cancellation")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}

	// Connections arriving after shutdown are closed, not leaked.
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection after shutdown should be closed")
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	reg := task.NewRegistry(task.RegistryConfig{})
	tk := reg.Start(task.KindWebSocket, "ws: /live")

	s := Summarize(tk)
	if s.Kind != "ws" || s.Label != "ws: /live" {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.DurationMs != nil || s.Outcome != "" {
		t.Errorf("active task should have no duration or outcome: %+v", s)
	}

	tk.Complete(task.Closed(1000, "closed by server"))
	s = Summarize(tk)
	if s.Outcome != "closed" || s.Code != 1000 || s.Status != "closed by server" {
		t.Errorf("Summarize() after completion = %+v", s)
	}
}

func TestIsLocalhostOrigin(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"http://localhost:3000":  true,
		"https://127.0.0.1":      true,
		"http://example.com":     false,
		"https://evil.localhost": false,
	}
	for origin, want := range tests {
		if got := isLocalhostOrigin(origin); got != want {
			t.Errorf("isLocalhostOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
