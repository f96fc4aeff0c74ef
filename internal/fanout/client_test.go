package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWSServer(t *testing.T, hub *Hub, ownerID string, admin bool) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, ownerID, slog.New(slog.DiscardHandler))
		_ = client.Serve(admin)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) (string, domain.TaskUpdate) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Event   string            `json:"event"`
		Payload domain.TaskUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Event, msg.Payload
}

func TestClient_ReceivesTaskUpdates(t *testing.T) {
	hub := NewHub(Options{}, slog.New(slog.DiscardHandler))
	ws := startWSServer(t, hub, "alice", false)

	require.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Update{
		JobID:   "job-1",
		OwnerID: "alice",
		Type:    domain.UpdateProgress,
		Data:    map[string]any{"progress": 40, "currentStep": "Analyzing"},
	})

	event, payload := readEvent(t, ws)
	assert.Equal(t, domain.TaskUpdateEvent, event)
	assert.Equal(t, "job-1", payload.TaskID)
	assert.Equal(t, domain.UpdateProgress, payload.Type)
	assert.EqualValues(t, 40, payload.Data["progress"])
	assert.False(t, payload.Timestamp.IsZero())
}

func TestClient_AdminReceivesOtherOwners(t *testing.T) {
	hub := NewHub(Options{}, slog.New(slog.DiscardHandler))
	ws := startWSServer(t, hub, "ops", true)

	require.Eventually(t, func() bool { return hub.ConnectionCount("ops") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Update{JobID: "job-9", OwnerID: "bob", Type: domain.UpdateStatus})

	_, payload := readEvent(t, ws)
	assert.Equal(t, "job-9", payload.TaskID)
}

func TestClient_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(Options{}, slog.New(slog.DiscardHandler))
	ws := startWSServer(t, hub, "alice", false)

	require.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_HubCloseClosesSocket(t *testing.T) {
	hub := NewHub(Options{}, slog.New(slog.DiscardHandler))
	ws := startWSServer(t, hub, "alice", false)

	require.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
