// Package pool manages the global memory and concurrency budget shared by
// all executions. Admission is strict FIFO: a request that does not fit
// waits its turn, and nothing behind it may overtake, so a large
// reservation cannot be starved by a stream of small ones.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for typed error checking.
var (
	ErrAcquireTimeout = errors.New("resource acquisition timed out")
	ErrOversized      = errors.New("memory request exceeds pool capacity")
	ErrClosed         = errors.New("resource pool closed")
)

type Config struct {
	MaxTotalMemoryMB int64         `yaml:"max_total_memory_mb"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	QueueTimeout     time.Duration `yaml:"queue_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxTotalMemoryMB: 2048,
		MaxConcurrent:    5,
		QueueTimeout:     300 * time.Second,
	}
}

// Slot is a granted reservation. Release is idempotent: the first call
// returns the reservation to the pool, later calls are no-ops, so callers
// can defer it and still release early on some paths.
type Slot struct {
	RequestID string
	MemoryMB  int64
	GrantedAt time.Time

	pool *Pool
	once sync.Once
}

func (s *Slot) Release() {
	s.once.Do(func() { s.pool.release(s) })
}

type waiter struct {
	requestID string
	memoryMB  int64
	ready     chan *Slot // buffered; grant sends under the pool lock
}

// Pool tracks used memory, active executions, and a FIFO queue of waiters.
// One mutex guards all three.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	usedMB int64
	active int
	queue  []*waiter
	closed bool
}

func New(cfg Config) *Pool {
	d := DefaultConfig()
	if cfg.MaxTotalMemoryMB <= 0 {
		cfg.MaxTotalMemoryMB = d.MaxTotalMemoryMB
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = d.QueueTimeout
	}
	return &Pool{cfg: cfg}
}

// Acquire reserves memoryMB and one execution slot, blocking until the
// reservation is granted, the queue timeout expires, or ctx is done. The
// caller must release the returned slot on every exit path, via defer.
func (p *Pool) Acquire(ctx context.Context, requestID string, memoryMB int64) (*Slot, error) {
	if memoryMB <= 0 {
		return nil, fmt.Errorf("invalid memory request: %dMB", memoryMB)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if memoryMB > p.cfg.MaxTotalMemoryMB {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: need %dMB, capacity %dMB", ErrOversized, memoryMB, p.cfg.MaxTotalMemoryMB)
	}
	if len(p.queue) == 0 && p.fitsLocked(memoryMB) {
		slot := p.grantLocked(requestID, memoryMB)
		p.mu.Unlock()
		return slot, nil
	}
	w := &waiter{requestID: requestID, memoryMB: memoryMB, ready: make(chan *Slot, 1)}
	p.queue = append(p.queue, w)
	queued := len(p.queue)
	p.mu.Unlock()

	log.Debug().
		Str("request_id", requestID).
		Int64("memory_mb", memoryMB).
		Int("queue_position", queued).
		Msg("resource request queued")

	timer := time.NewTimer(p.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case slot := <-w.ready:
		if slot == nil {
			return nil, ErrClosed
		}
		return slot, nil
	case <-timer.C:
		if slot := p.abandon(w); slot != nil {
			// The grant raced the timeout and won inside the pool;
			// the caller still sees a timeout, so hand it back.
			slot.Release()
		}
		log.Warn().
			Str("request_id", requestID).
			Int64("memory_mb", memoryMB).
			Dur("waited", p.cfg.QueueTimeout).
			Msg("resource acquisition timed out")
		return nil, fmt.Errorf("%w: waited %s for %dMB", ErrAcquireTimeout, p.cfg.QueueTimeout, memoryMB)
	case <-ctx.Done():
		if slot := p.abandon(w); slot != nil {
			slot.Release()
		}
		return nil, ctx.Err()
	}
}

// Stats is a point-in-time snapshot for gauges.
type Stats struct {
	UsedMemoryMB int64
	Active       int
	Queued       int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{UsedMemoryMB: p.usedMB, Active: p.active, Queued: len(p.queue)}
}

// Close fails every waiter and denies further acquisitions. Slots already
// granted stay valid and may still be released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.queue {
		close(w.ready)
	}
	p.queue = nil
}

func (p *Pool) fitsLocked(memoryMB int64) bool {
	return p.usedMB+memoryMB <= p.cfg.MaxTotalMemoryMB && p.active < p.cfg.MaxConcurrent
}

func (p *Pool) grantLocked(requestID string, memoryMB int64) *Slot {
	p.usedMB += memoryMB
	p.active++
	log.Debug().
		Str("request_id", requestID).
		Int64("memory_mb", memoryMB).
		Int64("used_mb", p.usedMB).
		Int("active", p.active).
		Msg("resource slot granted")
	return &Slot{
		RequestID: requestID,
		MemoryMB:  memoryMB,
		GrantedAt: time.Now(),
		pool:      p,
	}
}

func (p *Pool) release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usedMB -= s.MemoryMB
	p.active--
	log.Debug().
		Str("request_id", s.RequestID).
		Int64("memory_mb", s.MemoryMB).
		Int64("used_mb", p.usedMB).
		Int("active", p.active).
		Msg("resource slot released")
	p.promoteLocked()
}

// promoteLocked grants consecutive queue heads that fit. It stops at the
// first head that does not: FIFO order is never bypassed.
func (p *Pool) promoteLocked() {
	for len(p.queue) > 0 {
		head := p.queue[0]
		if !p.fitsLocked(head.memoryMB) {
			return
		}
		p.queue = p.queue[1:]
		// The send happens under the lock into a buffered channel, so
		// abandon can never miss a grant.
		head.ready <- p.grantLocked(head.requestID, head.memoryMB)
	}
}

// abandon removes w from the queue after a timeout or cancellation. If w
// was already granted, the slot is returned so the caller can put it back.
func (p *Pool) abandon(w *waiter) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			// A departing head may have been the only thing holding
			// back waiters that fit.
			p.promoteLocked()
			return nil
		}
	}
	select {
	case slot := <-w.ready:
		return slot
	default:
		return nil
	}
}
