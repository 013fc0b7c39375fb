package wsbridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenwick-ai/soul/internal/wire"
)

func TestBridge_RelaysSoulMessagesToSocket(t *testing.T) {
	w := wire.New()
	server := httptest.NewServer(NewHandler(w, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	w.SoulSide().Send(wire.Message{
		Kind:         wire.KindStatusUpdate,
		StatusUpdate: &wire.StatusUpdate{Snapshot: wire.StatusSnapshot{Step: 1, Phase: wire.PhaseGenerating}},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got wire.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != wire.KindStatusUpdate || got.StatusUpdate == nil || got.StatusUpdate.Snapshot.Step != 1 {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestBridge_ForwardsControlFramesToSoul(t *testing.T) {
	w := wire.New()
	server := httptest.NewServer(NewHandler(w, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, _ := json.Marshal(wire.Message{
		Kind:             wire.KindApprovalResponse,
		ApprovalResponse: &wire.ApprovalResponse{ID: "req-1", Decision: wire.DecisionAllowOnce},
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := w.SoulSide().ReceiveControl(ctx)
	if err != nil {
		t.Fatalf("ReceiveControl: %v", err)
	}
	if msg.ApprovalResponse == nil || msg.ApprovalResponse.ID != "req-1" {
		t.Fatalf("unexpected control message: %+v", msg)
	}
}
