package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

// DefaultMaxDeliveryAttempts bounds redelivery before an item is dropped.
const DefaultMaxDeliveryAttempts = 3

// SendFunc performs one delivery attempt against the backend.
type SendFunc func(ctx context.Context, env *models.Envelope) error

// DeliveryFailure is surfaced when an item exhausts its attempts.
type DeliveryFailure struct {
	Envelope *models.Envelope
	Attempts int
	Err      error
}

type pendingDelivery struct {
	env      *models.Envelope
	enqueued time.Time
	attempts int
}

// DeliveryQueue gives one sender at-least-once delivery with bounded
// retries. Items drain strictly in FIFO order; a failing head is retried in
// place with backoff proportional to its attempt count, so later items are
// never reordered past it. Queues for different senders are independent.
type DeliveryQueue struct {
	log         zerolog.Logger
	send        SendFunc
	maxAttempts int
	baseBackoff time.Duration

	mu    sync.Mutex
	items []*pendingDelivery
	wake  chan struct{}

	failures chan DeliveryFailure
}

// NewDeliveryQueue creates a queue draining through send. Non-positive
// maxAttempts or backoff fall back to defaults.
func NewDeliveryQueue(log zerolog.Logger, send SendFunc, maxAttempts int, baseBackoff time.Duration) *DeliveryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxDeliveryAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &DeliveryQueue{
		log:         log.With().Str("component", "delivery").Logger(),
		send:        send,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		wake:        make(chan struct{}, 1),
		failures:    make(chan DeliveryFailure, 16),
	}
}

// Enqueue appends an envelope to the tail.
func (q *DeliveryQueue) Enqueue(env *models.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, &pendingDelivery{env: env, enqueued: time.Now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Failures delivers terminal delivery errors. The channel is buffered; if
// nobody reads it, further failures are logged and discarded rather than
// blocking the drain loop.
func (q *DeliveryQueue) Failures() <-chan DeliveryFailure {
	return q.failures
}

// Len reports the number of pending items.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue until ctx is cancelled. Callers run it in its own
// goroutine.
func (q *DeliveryQueue) Run(ctx context.Context) {
	for {
		item := q.head()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		err := q.send(ctx, item.env)
		if err == nil {
			q.pop()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		item.attempts++
		if item.attempts >= q.maxAttempts {
			q.pop()
			q.log.Error().Err(err).
				Str("type", string(item.env.Type)).
				Int("attempts", item.attempts).
				Msg("delivery abandoned")
			q.fail(DeliveryFailure{Envelope: item.env, Attempts: item.attempts, Err: err})
			continue
		}

		q.log.Warn().Err(err).
			Str("type", string(item.env.Type)).
			Int("attempt", item.attempts).
			Msg("delivery failed, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(item.attempts) * q.baseBackoff):
		}
	}
}

func (q *DeliveryQueue) head() *pendingDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *DeliveryQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *DeliveryQueue) fail(f DeliveryFailure) {
	select {
	case q.failures <- f:
	default:
		q.log.Warn().Str("type", string(f.Envelope.Type)).Msg("failure channel full, discarding report")
	}
}
