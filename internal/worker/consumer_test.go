package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

type fakeBroker struct {
	prefetch   int
	tag        string
	qosErr     error
	deliveries chan amqp.Delivery
}

func (b *fakeBroker) Qos(prefetchCount int) error {
	b.prefetch = prefetchCount
	return b.qosErr
}

func (b *fakeBroker) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	b.tag = consumerTag
	return b.deliveries, nil
}

func TestWorker_HandleDelivery(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantAck   bool
		wantWoken bool
	}{
		{"valid signal", `{"job_id":"` + uuid.NewString() + `"}`, true, true},
		{"malformed json", `{"job_id":`, false, false},
		{"job id not a uuid", `{"job_id":"not-a-uuid"}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFixture(t).newWorker(nil)
			ack := &fakeAcknowledger{}

			w.handleDelivery(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				Body:         []byte(tt.body),
			})

			if tt.wantAck {
				assert.Equal(t, 1, ack.acks)
				assert.Zero(t, ack.nacks)
			} else {
				assert.Zero(t, ack.acks)
				assert.Equal(t, 1, ack.nacks)
				assert.False(t, ack.requeue)
			}

			if tt.wantWoken {
				assert.Len(t, w.wake, 1)
			} else {
				assert.Empty(t, w.wake)
			}
		})
	}
}

func TestWorker_DispatchNeverBlocks(t *testing.T) {
	w := newFixture(t).newWorker(func(cfg *Config) {
		cfg.Concurrency = 2
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Dispatch(context.Background(), uuid.NewString()))
	}
	assert.Len(t, w.wake, 2)
}

func TestWorker_SetupConsumer(t *testing.T) {
	t.Run("configures prefetch and consumer tag", func(t *testing.T) {
		broker := &fakeBroker{deliveries: make(chan amqp.Delivery)}
		w := newFixture(t).newWorker(func(cfg *Config) {
			cfg.Broker = broker
			cfg.Concurrency = 4
		})

		deliveries, err := w.setupConsumer()
		require.NoError(t, err)
		assert.NotNil(t, deliveries)
		assert.Equal(t, 4, broker.prefetch)
		assert.Equal(t, w.ID(), broker.tag)
	})

	t.Run("qos failure", func(t *testing.T) {
		broker := &fakeBroker{qosErr: errors.New("channel closed")}
		w := newFixture(t).newWorker(func(cfg *Config) {
			cfg.Broker = broker
		})

		_, err := w.setupConsumer()
		assert.ErrorContains(t, err, "failed to set QoS")
	})
}

func TestWorker_MessageDispatcherStopsWhenChannelCloses(t *testing.T) {
	w := newFixture(t).newWorker(nil)
	deliveries := make(chan amqp.Delivery, 1)
	ack := &fakeAcknowledger{}
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"` + uuid.NewString() + `"}`)}
	close(deliveries)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.startMessageDispatcher(context.Background(), deliveries)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, 1, ack.acks)
}
