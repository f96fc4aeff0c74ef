package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayQueueSize = 1024

// relayMessage is the envelope exchanged between processes
type relayMessage struct {
	Origin string        `json:"origin"`
	Update domain.Update `json:"update"`
}

// Relay carries updates between processes over Redis pub/sub. Each process has
// its own Hub; updates published locally are forwarded, updates from other
// processes are delivered to the local Hub.
type Relay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	hub     *Hub
	out     chan domain.Update
	logger  *slog.Logger
}

// NewRelay creates a relay and attaches it to hub
func NewRelay(client redis.UniversalClient, channel string, hub *Hub, logger *slog.Logger) *Relay {
	r := &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		out:     make(chan domain.Update, relayQueueSize),
		logger:  logger,
	}
	hub.SetForwarder(r)
	return r
}

// Forward queues an update for publishing without blocking the caller
func (r *Relay) Forward(update domain.Update) {
	select {
	case r.out <- update:
	default:
		r.logger.Warn("Relay queue full, update not forwarded",
			slog.String("job_id", update.JobID),
			slog.String("type", string(update.Type)),
		)
	}
}

// Run publishes queued updates and delivers remote ones until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed before relaying
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.logger.Info("Update relay started",
		slog.String("channel", r.channel),
		slog.String("origin", r.origin),
	)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Update relay stopped")
			return nil

		case update := <-r.out:
			if err := r.publish(ctx, update); err != nil {
				r.logger.Error("Failed to relay update",
					slog.String("job_id", update.JobID),
					slog.String("error", err.Error()),
				)
			}

		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *Relay) publish(ctx context.Context, update domain.Update) error {
	body, err := r.encode(update)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}

func (r *Relay) encode(update domain.Update) ([]byte, error) {
	body, err := json.Marshal(relayMessage{Origin: r.origin, Update: update})
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay message: %w", err)
	}
	return body, nil
}

// handleMessage delivers a remote update to the local hub. Messages this
// process published itself are skipped.
func (r *Relay) handleMessage(payload string) bool {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("Dropping malformed relay message", slog.String("error", err.Error()))
		return false
	}

	if msg.Origin == r.origin || msg.Update.JobID == "" {
		return false
	}

	r.hub.Deliver(msg.Update)
	return true
}
