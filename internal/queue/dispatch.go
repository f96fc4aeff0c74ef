package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// Dispatcher wakes workers for a newly runnable job. Signals are hints; workers
// always claim through the store.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// MessagePublisher publishes raw message bodies to the broker
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// BrokerDispatcher sends dispatch signals through RabbitMQ
type BrokerDispatcher struct {
	publisher MessagePublisher
}

// NewBrokerDispatcher creates a dispatcher on top of a broker publisher
func NewBrokerDispatcher(publisher MessagePublisher) *BrokerDispatcher {
	return &BrokerDispatcher{publisher: publisher}
}

// Dispatch publishes a {"job_id": ...} message
func (d *BrokerDispatcher) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.DispatchMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to encode dispatch message: %w", err)
	}
	if err := d.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish dispatch message: %w", err)
	}
	return nil
}

type multiDispatcher []Dispatcher

// MultiDispatcher signals every dispatcher and joins their errors
func MultiDispatcher(dispatchers ...Dispatcher) Dispatcher {
	return multiDispatcher(dispatchers)
}

func (m multiDispatcher) Dispatch(ctx context.Context, jobID string) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, jobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
