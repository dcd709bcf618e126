// Package notify delivers request lifecycle events to interested parties.
// Delivery is fire-and-forget: a notification failure must never change an
// execution outcome, so the dispatcher buffers, retries a little, and then
// drops.
package notify

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/request"
)

// Event is one lifecycle notification.
type Event struct {
	Kind      string                `json:"kind"` // submitted, approved, rejected, completed, failed
	Token     string                `json:"token"`
	Status    request.Status        `json:"status"`
	Submitter string                `json:"submitter_id,omitempty"`
	Actor     string                `json:"actor_id,omitempty"` // approver or rejecter
	Error     *request.ErrorPayload `json:"error,omitempty"`
	At        time.Time             `json:"at"`
}

// Sink receives events synchronously. Implementations should be quick;
// the dispatcher serializes deliveries.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Async dispatches events to a sink from a worker goroutine, dropping
// when the buffer is full.
type Async struct {
	sink Sink
	ch   chan Event
	wg   sync.WaitGroup
	done chan struct{}
}

// NewAsync wraps a sink with a buffered dispatcher.
func NewAsync(sink Sink, bufferSize int) *Async {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &Async{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (a *Async) Start() {
	a.wg.Add(1)
	go a.processLoop()
}

// Notify queues an event, dropping it if the buffer is full.
func (a *Async) Notify(ev Event) {
	select {
	case a.ch <- ev:
	default:
		log.Warn().Str("token", ev.Token).Str("kind", ev.Kind).Msg("notify buffer full, dropping event")
	}
}

// Flush stops intake, drains queued events, and waits up to timeout.
func (a *Async) Flush(timeout time.Duration) {
	close(a.done)

	doneCh := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("notifier flushed")
	case <-time.After(timeout):
		log.Warn().Msg("notifier flush timed out")
	}
}

func (a *Async) processLoop() {
	defer a.wg.Done()

	for {
		select {
		case ev := <-a.ch:
			a.deliverWithRetry(ev)
		case <-a.done:
			// Drain remaining events
			for {
				select {
				case ev := <-a.ch:
					a.deliverWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliverWithRetry(ev Event) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.sink.Deliver(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("token", ev.Token).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("notification delivery failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("token", ev.Token).
				Str("kind", ev.Kind).
				Msg("notification dropped after retries")
		}
	}
}
