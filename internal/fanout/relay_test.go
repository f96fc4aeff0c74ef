package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfflineRelay builds a relay whose client is never used to connect
func newOfflineRelay(t *testing.T, hub *Hub) *Relay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	return NewRelay(client, "job_updates", hub, slog.New(slog.DiscardHandler))
}

func TestRelay_ForwardQueuesLocalPublishes(t *testing.T) {
	hub := newTestHub(10, 10)
	relay := newOfflineRelay(t, hub)

	stored := hub.Publish(progress("job-1", "alice", 10))

	select {
	case got := <-relay.out:
		assert.Equal(t, stored, got)
	default:
		t.Fatal("expected the published update to be queued for relaying")
	}
}

func TestRelay_ForwardDropsWhenQueueFull(t *testing.T) {
	hub := newTestHub(10, 10)
	relay := newOfflineRelay(t, hub)

	for i := 0; i < relayQueueSize+10; i++ {
		relay.Forward(progress("job-1", "alice", i))
	}
	assert.Len(t, relay.out, relayQueueSize)
}

func TestRelay_HandleMessage(t *testing.T) {
	remote := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		payload   func(r *Relay) string
		delivered bool
	}{
		{
			name: "remote update is delivered",
			payload: func(r *Relay) string {
				body, _ := json.Marshal(relayMessage{
					Origin: "other-process",
					Update: domain.Update{JobID: "job-1", OwnerID: "alice", Type: domain.UpdateStatus, Timestamp: remote},
				})
				return string(body)
			},
			delivered: true,
		},
		{
			name: "own update is skipped",
			payload: func(r *Relay) string {
				body, _ := r.encode(domain.Update{JobID: "job-1", OwnerID: "alice", Type: domain.UpdateStatus})
				return string(body)
			},
		},
		{
			name: "update without job id is skipped",
			payload: func(r *Relay) string {
				body, _ := json.Marshal(relayMessage{Origin: "other-process"})
				return string(body)
			},
		},
		{
			name:    "malformed payload is dropped",
			payload: func(r *Relay) string { return "{not json" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub(10, 10)
			relay := newOfflineRelay(t, hub)
			conn := newFakeConn("c1")
			require.NoError(t, hub.Register("alice", conn))

			assert.Equal(t, tt.delivered, relay.handleMessage(tt.payload(relay)))

			if tt.delivered {
				require.Len(t, conn.received(), 1)
				updates := hub.PollJob("job-1", time.Time{})
				require.Len(t, updates, 1)
				assert.Equal(t, remote, updates[0].Timestamp)
				assert.Empty(t, relay.out, "delivered updates are not relayed again")
			} else {
				assert.Empty(t, conn.received())
			}
		})
	}
}

func TestRelay_RunRoundTrip(t *testing.T) {
	const channel = "job_updates"
	server := miniredis.RunT(t)

	newProcess := func() (*Hub, *Relay) {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := newTestHub(10, 10)
		return hub, NewRelay(client, channel, hub, slog.New(slog.DiscardHandler))
	}
	hubA, relayA := newProcess()
	hubB, relayB := newProcess()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, r := range []*Relay{relayA, relayB} {
		go func(r *Relay) { errs <- r.Run(ctx) }(r)
	}

	require.Eventually(t, func() bool {
		return server.PubSubNumSub(channel)[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	hubA.Publish(progress("job-1", "alice", 10))
	require.Eventually(t, func() bool {
		return len(hubB.PollJob("job-1", time.Time{})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// B's reply reaches A after A's own message came back from Redis
	hubB.Publish(progress("job-1", "alice", 20))
	require.Eventually(t, func() bool {
		return len(hubA.PollJob("job-1", time.Time{})) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, hub := range []*Hub{hubA, hubB} {
		updates := hub.PollJob("job-1", time.Time{})
		require.Len(t, updates, 2, "own updates are not delivered twice")
		assert.EqualValues(t, 10, updates[0].Data["progress"])
		assert.EqualValues(t, 20, updates[1].Data["progress"])
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop after cancel")
		}
	}
}
