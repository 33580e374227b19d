package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backapp/backapp/internal/models"
)

func testClient(hub *Hub, room string, buf int) *Client {
	return &Client{ID: room + "-client", Room: room, Send: make(chan *Message, buf), Hub: hub}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, RunRoom(1), 1)

	hub.registerClient(client)
	if hub.GetRoomSize("run:1") != 1 {
		t.Fatalf("expected room size 1")
	}

	hub.unregisterClient(client)
	if hub.GetRoomSize("run:1") != 0 {
		t.Fatalf("expected room to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Fatalf("send channel should be closed")
	}
}

func TestPublishRunLogReachesOnlyItsRoom(t *testing.T) {
	hub := NewHub()
	watching := testClient(hub, RunRoom(7), 4)
	other := testClient(hub, RunRoom(8), 4)
	hub.registerClient(watching)
	hub.registerClient(other)

	hub.PublishRunLog(models.RunLog{ID: 3, RunID: 7, Level: models.LogInfo, Message: "hello"})
	hub.broadcastToRoom(<-hub.broadcast)

	select {
	case msg := <-watching.Send:
		entry, ok := msg.Payload.(models.RunLog)
		if msg.Type != TypeRunLog || !ok || entry.ID != 3 {
			t.Fatalf("unexpected message %+v", msg)
		}
	default:
		t.Fatalf("expected message to be delivered")
	}
	if len(other.Send) != 0 {
		t.Fatalf("other room must not receive the log")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub()
	hub.registerClient(testClient(hub, RunRoom(1), 1))

	done := make(chan struct{})
	go func() {
		// nothing drains the hub; publishing must still return
		for i := 0; i < 5000; i++ {
			hub.PublishRunLog(models.RunLog{ID: int64(i), RunID: 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("PublishRunLog blocked")
	}
}

func TestRunLogStreamsOverWebSocket(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, RunRoom(42))
		hub.Register <- client
		go client.WritePump()
		client.ReadPump()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.GetRoomSize(RunRoom(42)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.PublishRunLog(models.RunLog{ID: 1, RunID: 42, Stage: "transfer", Message: "copying"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type    string        `json:"type"`
		Payload models.RunLog `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeRunLog || msg.Payload.Message != "copying" {
		t.Fatalf("unexpected message %s", data)
	}
}
