package websocket

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

	"github.com/climb-ledger/internal/domain"
	"github.com/gorilla/websocket"
)

type received struct {
	Type string          `json:"type"`
	Cup  domain.Cup      `json:"cup"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	return msg
}

func newTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	return dialTestHub(t, "")
}

func dialTestHub(t *testing.T, query string) (*Hub, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	hub.SetSnapshot(func(ctx context.Context, cup domain.Cup) ([]domain.Standing, error) {
		return []domain.Standing{{Rank: 1, ParticipantID: 7, Username: "ana", Cup: cup, Score: 12}}, nil
	})
	go hub.Run()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func TestSubscribeReceivesSnapshotAndUpdates(t *testing.T) {
	hub, conn := newTestHub(t)

	if err := conn.WriteJSON(Request{Type: MessageTypeSubscribe, Cup: domain.CupAdvanced}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	if msg := readMessage(t, conn); msg.Type != MessageTypeSubscribed || msg.Cup != domain.CupAdvanced {
		t.Fatalf("ack = %+v", msg)
	}

	snapshot := readMessage(t, conn)
	if snapshot.Type != MessageTypeStandingsUpdate {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	var update StandingsUpdate
	if err := json.Unmarshal(snapshot.Data, &update); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if len(update.Standings) != 1 || update.Standings[0].Username != "ana" {
		t.Errorf("snapshot standings = %+v", update.Standings)
	}
	if got := hub.SubscriberCount(domain.CupAdvanced); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}

	// Only the subscribed cup reaches the client.
	hub.BroadcastStandings(domain.CupKids, []domain.Standing{{Rank: 1, ParticipantID: 1}})
	hub.BroadcastStandings(domain.CupAdvanced, []domain.Standing{{Rank: 1, ParticipantID: 2}, {Rank: 2, ParticipantID: 7}})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStandingsUpdate || msg.Cup != domain.CupAdvanced {
		t.Fatalf("update = %+v", msg)
	}
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("decoding update: %v", err)
	}
	if len(update.Standings) != 2 || update.Standings[0].ParticipantID != 2 {
		t.Errorf("update standings = %+v", update.Standings)
	}
}

func TestSubscribeRejectsUnknownCup(t *testing.T) {
	_, conn := newTestHub(t)

	if err := conn.WriteJSON(Request{Type: MessageTypeSubscribe, Cup: "pro"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("message = %+v, want error", msg)
	}

	if err := conn.WriteJSON(Request{Type: MessageTypePing}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Fatalf("message = %+v, want pong", msg)
	}
}

func TestQuerySubscribesOnConnect(t *testing.T) {
	hub, conn := dialTestHub(t, "?cup=kids&cup=Beginner")

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		msg := readMessage(t, conn)
		seen[msg.Type+"/"+string(msg.Cup)]++
	}
	for _, want := range []string{"subscribed/kids", "subscribed/principiante", "standings_update/kids", "standings_update/principiante"} {
		if seen[want] != 1 {
			t.Errorf("%s seen %d times, all = %v", want, seen[want], seen)
		}
	}
	if hub.SubscriberCount(domain.CupKids) != 1 || hub.SubscriberCount(domain.CupBeginner) != 1 {
		t.Errorf("subscribers kids=%d beginner=%d", hub.SubscriberCount(domain.CupKids), hub.SubscriberCount(domain.CupBeginner))
	}
}

func TestQueryRejectsUnknownCup(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(server.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"?cup=pro", nil)
	if err == nil {
		t.Fatal("Dial succeeded with an unknown cup")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %+v, want 400", resp)
	}
}

func TestRefreshAndUnsubscribe(t *testing.T) {
	hub, conn := newTestHub(t)

	if err := conn.WriteJSON(Request{Type: MessageTypeRefresh, Cup: domain.CupKids}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("refresh before subscribe = %+v, want error", msg)
	}

	if err := conn.WriteJSON(Request{Type: MessageTypeSubscribe, Cup: domain.CupKids}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readMessage(t, conn) // subscribed
	readMessage(t, conn) // snapshot

	if err := conn.WriteJSON(Request{Type: MessageTypeRefresh, Cup: domain.CupKids}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeStandingsUpdate || msg.Cup != domain.CupKids {
		t.Fatalf("refresh = %+v, want standings", msg)
	}

	if err := conn.WriteJSON(Request{Type: MessageTypeUnsubscribe, Cup: domain.CupKids}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeUnsubscribed {
		t.Fatalf("unsubscribe = %+v", msg)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(domain.CupKids) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.SubscriberCount(domain.CupKids); got != 0 {
		t.Errorf("subscribers after unsubscribe = %d", got)
	}
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	_, conn := newTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("message = %+v, want error", msg)
	}
	if err := conn.WriteJSON(Request{Type: "dance"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("message = %+v, want error", msg)
	}
	if err := conn.WriteJSON(Request{Type: MessageTypePing}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Fatalf("message = %+v, want pong", msg)
	}
}
