package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/memstore"
)

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !requeue {
		f.nacked = append(f.nacked, tag)
	}
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
}

func (f *fakeConsumer) Consume(string, int) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func newConsumerWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := testConfig(memstore.New(), nil)
	cfg.Channel = "acquisition"
	cfg.Concurrency = 8
	w, err := NewWorker(cfg)
	require.NoError(t, err)
	return w
}

func TestParseWakeup(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10","channel":"acquisition"}`},
		{name: "no channel", body: `{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10"}`},
		{name: "malformed json", body: `{"job_id":`, wantErr: true},
		{name: "not a uuid", body: `{"job_id":"job-1"}`, wantErr: true},
		{name: "empty", body: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWakeup([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConsumeRabbitMQ(t *testing.T) {
	w := newConsumerWorker(t)
	acker := &fakeAcker{}
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 4)}

	consumer.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1,
		Body: []byte(`{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10","channel":"acquisition"}`)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`not json`)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3,
		Body: []byte(`{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a11","channel":"reports"}`)}
	close(consumer.deliveries)

	err := w.ConsumeRabbitMQ(context.Background(), consumer, "", 10)
	require.ErrorIs(t, err, ErrWakeupSourceClosed)

	assert.Equal(t, []uint64{1, 3}, acker.acked)
	assert.Equal(t, []uint64{2}, acker.nacked)
	// only the served channel woke the pool
	assert.Len(t, w.wakeups, 1)
}

func TestConsumeRabbitMQ_StopsOnCancel(t *testing.T) {
	w := newConsumerWorker(t)
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.ConsumeRabbitMQ(ctx, consumer, "tag", 1) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestDispatchRedis(t *testing.T) {
	w := newConsumerWorker(t)
	messages := make(chan *goredis.Message, 3)
	messages <- &goredis.Message{Channel: "workcore:jobs:acquisition", Payload: `{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10","channel":"acquisition"}`}
	messages <- &goredis.Message{Channel: "workcore:jobs:acquisition", Payload: `garbage`}
	messages <- &goredis.Message{Channel: "workcore:jobs:acquisition", Payload: `{"job_id":"0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a12","channel":"acquisition"}`}
	close(messages)

	err := w.dispatchRedis(context.Background(), messages)
	require.ErrorIs(t, err, ErrWakeupSourceClosed)
	assert.Len(t, w.wakeups, 2)
}

// reopeningConsumer hands out a fresh delivery channel per Consume call,
// like a broker client that redials after the connection drops
type reopeningConsumer struct {
	mu       sync.Mutex
	calls    atomic.Int32
	current  chan amqp.Delivery
	failNext bool
}

func (r *reopeningConsumer) Consume(string, int) (<-chan amqp.Delivery, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return nil, errors.New("not connected to RabbitMQ")
	}
	r.current = make(chan amqp.Delivery)
	return r.current, nil
}

func (r *reopeningConsumer) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = true
	close(r.current)
}

func TestKeepListening_PoolSurvivesClosedDeliveries(t *testing.T) {
	store := memstore.New()
	handlers := NewRegistry()
	handlers.Register("echo", HandlerFunc(func(_ context.Context, job *jobs.Job) (jobs.JSON, error) {
		return job.Payload, nil
	}))

	cfg := testConfig(store, handlers)
	cfg.PollInterval = 20 * time.Millisecond
	cfg.WakeupRetry = 5 * time.Millisecond
	w, err := NewWorker(cfg)
	require.NoError(t, err)

	consumer := &reopeningConsumer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Start(gctx) })
	g.Go(func() error {
		return w.KeepListening(gctx, "rabbitmq", func(ctx context.Context) error {
			return w.ConsumeRabbitMQ(ctx, consumer, "tag", 1)
		})
	})

	require.Eventually(t, func() bool { return consumer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	consumer.drop()

	id := enqueue(t, store, jobs.Spec{Type: "echo", Payload: jobs.MustJSON(map[string]int{"n": 1})})
	require.Eventually(t, func() bool {
		return jobStatus(t, store, id) == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// the failed reopen is retried and the consumer comes back
	require.Eventually(t, func() bool { return consumer.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, gctx.Err(), "listener failure must not cancel the pool")

	cancel()
	assert.NoError(t, g.Wait())
}

func TestKeepListening_StopsOnCancel(t *testing.T) {
	w := newConsumerWorker(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.KeepListening(ctx, "redis", func(context.Context) error {
			calls.Add(1)
			return ErrWakeupSourceClosed
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener loop did not stop")
	}
}
