package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/gorilla/websocket"
)

var (
	rita  = identity.Actor{ID: "rita", Name: "Rita", Role: identity.RoleReceptor}
	marta = identity.Actor{ID: "marta", Name: "Marta", Role: identity.RoleClient}
)

func startHub(t *testing.T, actor identity.Actor) (*Hub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, actor, w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitSubscribers(t, hub, UserTopic(actor.ID), 1)
	return hub, conn
}

func waitSubscribers(t *testing.T, hub *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("topic %s: expected %d subscribers, got %d", topic, want, hub.Subscribers(topic))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) OutgoingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg OutgoingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestCanJoin(t *testing.T) {
	tests := []struct {
		actor identity.Actor
		topic string
		want  bool
	}{
		{rita, "conversation:marta", true},
		{marta, "conversation:marta", true},
		{marta, "conversation:joao", false},
		{marta, UserTopic("marta"), true},
		{marta, UserTopic("rita"), false},
		{marta, RoleTopic(identity.RoleReceptor), false},
		{identity.Actor{ID: "f", Role: identity.RoleJuniorFinance}, "conversation:marta", false},
		{rita, "anything", false},
	}
	for _, tt := range tests {
		if got := CanJoin(tt.actor, tt.topic); got != tt.want {
			t.Errorf("CanJoin(%s, %q) = %v, want %v", tt.actor.ID, tt.topic, got, tt.want)
		}
	}
}

func TestPublishReachesRoleTopic(t *testing.T) {
	hub, conn := startHub(t, rita)
	waitSubscribers(t, hub, RoleTopic(identity.RoleReceptor), 1)
	hub.Publish(RoleTopic(identity.RoleReceptor), "message.appended", map[string]string{"text": "hi"})
	msg := readFrame(t, conn)
	if msg.Topic != "role:receptor" || msg.Event != "message.appended" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
}

func TestJoinConversationAndForbiddenJoin(t *testing.T) {
	hub, conn := startHub(t, marta)
	if err := conn.WriteJSON(IncomingMessage{Topic: "conversation:joao", Event: "join", Ref: "1"}); err != nil {
		t.Fatal(err)
	}
	reply := readFrame(t, conn)
	if reply.Ref != "1" || reply.Payload.(map[string]interface{})["status"] != "forbidden" {
		t.Fatalf("expected forbidden reply, got %+v", reply)
	}

	if err := conn.WriteJSON(IncomingMessage{Topic: "conversation:marta", Event: "join", Ref: "2"}); err != nil {
		t.Fatal(err)
	}
	reply = readFrame(t, conn)
	if reply.Payload.(map[string]interface{})["status"] != "ok" {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
	waitSubscribers(t, hub, "conversation:marta", 1)

	hub.Publish("conversation:marta", "message.appended", nil)
	if msg := readFrame(t, conn); msg.Topic != "conversation:marta" {
		t.Fatalf("unexpected frame: %+v", msg)
	}

	if err := conn.WriteJSON(IncomingMessage{Topic: "conversation:marta", Event: "leave", Ref: "3"}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn)
	waitSubscribers(t, hub, "conversation:marta", 0)
}

func TestNotificationSink(t *testing.T) {
	hub, conn := startHub(t, marta)
	sink := &NotificationSink{Hub: hub}
	n := notify.Notification{ID: "n1", Message: "your farewell is booked", Recipient: notify.ToUser("marta")}
	if err := sink.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Topic != UserTopic("marta") || msg.Event != NotificationEvent {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if sink.Name() != "Realtime" {
		t.Fatalf("unexpected name")
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	hub, conn := startHub(t, marta)
	conn.Close()
	waitSubscribers(t, hub, UserTopic("marta"), 0)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+10; i++ {
			hub.Publish("role:receptor", "x", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after the hub stopped")
	}
}
