package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/fulfilment/pkg/api/events"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/saga"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketHandler_RejectsNonUpgrade(t *testing.T) {
	handler := NewWebSocketHandler(logger.Discard(), WebSocketConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ws/sagas", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebSocketHandler_ForwardsSagaEvents(t *testing.T) {
	handler := NewWebSocketHandler(logger.Discard(), WebSocketConfig{MaxConnections: 5})
	broadcaster := events.NewBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handler.Forward(ctx, broadcaster.Subscribe(8))

	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return handler.Count() == 1 })

	_ = broadcaster.Publish(ctx, saga.Event{
		Type:   saga.EventSagaStarted,
		SagaID: "order-workflow-1",
		State:  saga.StateStarted,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read broadcast event: %v", err)
	}
	if got.Type != "saga.started" || got.SagaID != "order-workflow-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["state"] != "STARTED" {
		t.Fatalf("payload = %#v", got.Payload)
	}
}

func TestWebSocketHandler_ConnectionLimit(t *testing.T) {
	handler := NewWebSocketHandler(logger.Discard(), WebSocketConfig{
		MaxConnections: 1,
	})

	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	if err != nil {
		t.Fatalf("failed to open first websocket: %v", err)
	}
	defer first.Close()
	waitFor(t, func() bool { return handler.Count() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	if err == nil {
		t.Fatal("expected second websocket dial to fail")
	}
	if resp == nil {
		t.Fatal("expected HTTP response for failed upgrade")
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestWebSocketHandler_OriginCheck(t *testing.T) {
	handler := NewWebSocketHandler(logger.Discard(), WebSocketConfig{
		AllowedOrigins: []string{"http://allowed.example"},
	})
	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	headers := http.Header{}
	headers.Set("Origin", "http://blocked.example")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL), headers)
	if err == nil {
		t.Fatal("expected websocket dial with blocked origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked origin, got %v", resp)
	}
}

func TestFeedHub_SagaFiltering(t *testing.T) {
	hub := newFeedHub(2)
	watching := newWatcher(nil)
	everything := newWatcher(nil)

	watching.watch("order-workflow-1")

	if !hub.join(watching) || !hub.join(everything) {
		t.Fatal("expected both watchers to join")
	}
	if hub.join(newWatcher(nil)) {
		t.Fatal("expected third watcher to be rejected")
	}

	if err := hub.fanout(events.Event{Type: "saga.completed", SagaID: "order-workflow-1"}); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if err := hub.fanout(events.Event{Type: "saga.completed", SagaID: "order-workflow-2"}); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if len(watching.queue) != 1 {
		t.Fatalf("filtered watcher queued %d events, want 1", len(watching.queue))
	}
	if len(everything.queue) != 2 {
		t.Fatalf("unfiltered watcher queued %d events, want 2", len(everything.queue))
	}

	watching.unwatch("")
	if !watching.wants("order-workflow-2") {
		t.Fatal("expected watcher to receive everything after unsubscribing all")
	}

	hub.leave(watching)
	if hub.size() != 1 {
		t.Fatalf("size after leave = %d, want 1", hub.size())
	}
	if !watching.offer([]byte("late")) {
		t.Fatal("offer to a closed watcher must be dropped silently")
	}
}

func TestFeedHub_DisconnectsSlowWatcher(t *testing.T) {
	hub := newFeedHub(1)
	slow := newWatcher(nil)
	hub.join(slow)

	for i := 0; i < watcherQueueSize+1; i++ {
		_ = hub.fanout(events.Event{Type: "saga.started", SagaID: "order-workflow-1"})
	}
	if hub.size() != 0 {
		t.Fatal("expected watcher with a full queue to be disconnected")
	}
}

func TestWebSocketHandler_HandleCommand(t *testing.T) {
	handler := NewWebSocketHandler(logger.Discard(), WebSocketConfig{})
	client := newWatcher(nil)

	handler.handleCommand(client, []byte(`{"type":"subscribe","saga_id":" order-workflow-9 "}`))
	if client.wants("order-workflow-1") || !client.wants("order-workflow-9") {
		t.Fatal("expected subscription to order-workflow-9 only")
	}
	if reply := nextReply(t, client); reply.Type != "subscribed" || reply.SagaID != "order-workflow-9" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	handler.handleCommand(client, []byte(`not json`))
	if reply := nextReply(t, client); reply.Type != "error" {
		t.Fatalf("expected error reply, got %+v", reply)
	}

	handler.handleCommand(client, []byte(`{"type":"subscribe"}`))
	if reply := nextReply(t, client); reply.Error != "saga_id is required" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	handler.handleCommand(client, []byte(`{"type":"UNSUBSCRIBE","saga_id":"order-workflow-9"}`))
	if reply := nextReply(t, client); reply.Type != "unsubscribed" || len(reply.Sagas) != 0 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !client.wants("order-workflow-1") {
		t.Fatal("expected client without subscriptions to receive every saga")
	}
}

func nextReply(t *testing.T, w *watcher) feedReply {
	t.Helper()
	select {
	case raw := <-w.queue:
		var r feedReply
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return r
	default:
		t.Fatal("expected a queued reply")
		return feedReply{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
