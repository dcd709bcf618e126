package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitQueued polls until at least n waiters are queued.
func waitQueued(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Queued < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached %d waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestImmediateGrant(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 1024, MaxConcurrent: 2, QueueTimeout: time.Second})

	slot, err := p.Acquire(context.Background(), "r1", 512)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	st := p.Stats()
	if st.UsedMemoryMB != 512 || st.Active != 1 {
		t.Errorf("stats = %+v, want used 512 active 1", st)
	}

	slot.Release()
	st = p.Stats()
	if st.UsedMemoryMB != 0 || st.Active != 0 {
		t.Errorf("stats after release = %+v, want zeros", st)
	}
}

func TestOversizedRequest(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 1024, MaxConcurrent: 2, QueueTimeout: time.Second})

	_, err := p.Acquire(context.Background(), "r1", 2048)
	if !errors.Is(err, ErrOversized) {
		t.Fatalf("Acquire() = %v, want ErrOversized", err)
	}
	if st := p.Stats(); st.Queued != 0 {
		t.Errorf("oversized request queued: %+v", st)
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 512, MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond})

	slot, err := p.Acquire(context.Background(), "holder", 512)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer slot.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background(), "waiter", 512)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %s, want >= 50ms", elapsed)
	}
	if st := p.Stats(); st.Queued != 0 {
		t.Errorf("timed-out waiter still queued: %+v", st)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 512, MaxConcurrent: 1, QueueTimeout: time.Minute})

	slot, err := p.Acquire(context.Background(), "holder", 512)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer slot.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "waiter", 512)
		errc <- err
	}()
	waitQueued(t, p, 1)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() = %v, want context.Canceled", err)
	}
	if st := p.Stats(); st.Queued != 0 {
		t.Errorf("canceled waiter still queued: %+v", st)
	}
}

func TestFIFOOrder(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 2048, MaxConcurrent: 1, QueueTimeout: 5 * time.Second})

	first, err := p.Acquire(context.Background(), "a", 128)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	grants := make(chan string, 2)
	slots := make(chan *Slot, 2)
	enqueue := func(id string) {
		go func() {
			slot, err := p.Acquire(context.Background(), id, 128)
			if err != nil {
				t.Errorf("Acquire(%s) error: %v", id, err)
				return
			}
			grants <- id
			slots <- slot
		}()
	}

	enqueue("b")
	waitQueued(t, p, 1)
	enqueue("c")
	waitQueued(t, p, 2)

	first.Release()
	if got := <-grants; got != "b" {
		t.Errorf("first grant = %q, want %q", got, "b")
	}
	(<-slots).Release()
	if got := <-grants; got != "c" {
		t.Errorf("second grant = %q, want %q", got, "c")
	}
	(<-slots).Release()
}

func TestNoBargingPastQueueHead(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 1024, MaxConcurrent: 5, QueueTimeout: 5 * time.Second})

	a, err := p.Acquire(context.Background(), "a", 512)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// b does not fit while a holds 512; c would fit, but queues behind b.
	grants := make(chan string, 2)
	slots := make(chan *Slot, 2)
	enqueue := func(id string, mb int64) {
		go func() {
			slot, err := p.Acquire(context.Background(), id, mb)
			if err != nil {
				t.Errorf("Acquire(%s) error: %v", id, err)
				return
			}
			grants <- id
			slots <- slot
		}()
	}
	enqueue("b", 1024)
	waitQueued(t, p, 1)
	enqueue("c", 256)
	waitQueued(t, p, 2)

	select {
	case id := <-grants:
		t.Fatalf("%q granted while the queue head waits", id)
	case <-time.After(50 * time.Millisecond):
	}

	a.Release()
	if got := <-grants; got != "b" {
		t.Errorf("first grant = %q, want %q", got, "b")
	}
	(<-slots).Release()
	if got := <-grants; got != "c" {
		t.Errorf("second grant = %q, want %q", got, "c")
	}
	(<-slots).Release()
}

func TestReleasePromotesConsecutiveHeads(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 1024, MaxConcurrent: 5, QueueTimeout: 5 * time.Second})

	a, err := p.Acquire(context.Background(), "a", 1024)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	var wg sync.WaitGroup
	granted := make(chan *Slot, 3)
	for i, id := range []string{"b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(context.Background(), id, 512)
			if err != nil {
				t.Errorf("Acquire(%s) error: %v", id, err)
				return
			}
			granted <- slot
		}()
		waitQueued(t, p, i+1)
	}

	// One release frees the whole budget: exactly the two heads that fit
	// together are promoted, the third keeps waiting.
	a.Release()
	deadline := time.Now().Add(2 * time.Second)
	for len(granted) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("two heads were not promoted")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	st := p.Stats()
	if st.Active != 2 || st.UsedMemoryMB != 1024 || st.Queued != 1 {
		t.Errorf("stats = %+v, want active 2 used 1024 queued 1", st)
	}

	(<-granted).Release()
	(<-granted).Release()
	wg.Wait()
	(<-granted).Release()
	if st := p.Stats(); st.Active != 0 || st.UsedMemoryMB != 0 || st.Queued != 0 {
		t.Errorf("final stats = %+v, want zeros", st)
	}
}

func TestBudgetInvariantUnderLoad(t *testing.T) {
	const (
		maxMemory  = 256
		maxActive  = 3
		perRequest = 64
	)
	p := New(Config{MaxTotalMemoryMB: maxMemory, MaxConcurrent: maxActive, QueueTimeout: 10 * time.Second})

	var (
		wg      sync.WaitGroup
		curMem  atomic.Int64
		curActv atomic.Int64
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(context.Background(), "load", perRequest)
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			if m := curMem.Add(perRequest); m > maxMemory {
				t.Errorf("memory budget exceeded: %dMB in use", m)
			}
			if a := curActv.Add(1); a > maxActive {
				t.Errorf("concurrency budget exceeded: %d active", a)
			}
			time.Sleep(2 * time.Millisecond)
			curMem.Add(-perRequest)
			curActv.Add(-1)
			slot.Release()
		}()
	}
	wg.Wait()

	if st := p.Stats(); st.UsedMemoryMB != 0 || st.Active != 0 || st.Queued != 0 {
		t.Errorf("final stats = %+v, want zeros", st)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 512, MaxConcurrent: 1, QueueTimeout: time.Second})

	slot, err := p.Acquire(context.Background(), "r1", 512)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	slot.Release()
	slot.Release()

	if st := p.Stats(); st.UsedMemoryMB != 0 || st.Active != 0 {
		t.Errorf("stats = %+v, want zeros", st)
	}
	// A double release must not have freed capacity twice.
	again, err := p.Acquire(context.Background(), "r2", 512)
	if err != nil {
		t.Fatalf("Acquire() after double release: %v", err)
	}
	again.Release()
}

func TestReleaseTimeoutRaceConservesSlots(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 64, MaxConcurrent: 1, QueueTimeout: 10 * time.Millisecond})

	for range 25 {
		holder, err := p.Acquire(context.Background(), "holder", 64)
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			// Land the release right around the waiter's timeout.
			time.Sleep(10 * time.Millisecond)
			holder.Release()
		}()

		slot, err := p.Acquire(context.Background(), "waiter", 64)
		if err == nil {
			slot.Release()
		} else if !errors.Is(err, ErrAcquireTimeout) {
			t.Fatalf("Acquire() = %v, want grant or ErrAcquireTimeout", err)
		}
		<-done

		if st := p.Stats(); st.UsedMemoryMB != 0 || st.Active != 0 || st.Queued != 0 {
			t.Fatalf("slot leaked after race: %+v", st)
		}
	}
}

func TestClose(t *testing.T) {
	p := New(Config{MaxTotalMemoryMB: 64, MaxConcurrent: 1, QueueTimeout: time.Minute})

	slot, err := p.Acquire(context.Background(), "holder", 64)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "waiter", 64)
		errc <- err
	}()
	waitQueued(t, p, 1)

	p.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Errorf("waiter error = %v, want ErrClosed", err)
	}
	if _, err := p.Acquire(context.Background(), "late", 64); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after close = %v, want ErrClosed", err)
	}

	// Outstanding slots can still be returned.
	slot.Release()
	if st := p.Stats(); st.UsedMemoryMB != 0 || st.Active != 0 {
		t.Errorf("stats after close = %+v, want zeros", st)
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	p := New(Config{})

	if _, err := p.Acquire(context.Background(), "big", 2049); !errors.Is(err, ErrOversized) {
		t.Errorf("Acquire(2049) = %v, want ErrOversized under default 2048 budget", err)
	}
	slot, err := p.Acquire(context.Background(), "fits", 2048)
	if err != nil {
		t.Fatalf("Acquire(2048) error: %v", err)
	}
	slot.Release()
}
