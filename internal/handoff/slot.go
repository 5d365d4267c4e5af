// Package handoff implements a single-slot mailbox between exactly one
// producer goroutine and one consumer goroutine.
//
// The slot is deliberately not a queue: at most one value is in flight. The
// producer never blocks; when the consumer is still working on the previous
// value the publish is rejected and counted, and the caller drops its data.
package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrCancelled = errors.New("[handoff] wait cancelled")

// Slot holds at most one ready value of type T.
//
// Producer side: Publish (non-blocking) and Drain.
// Consumer side: Take followed by Done once the value has been processed.
// The mutex guards only the slot state, never the data a value refers to:
// ownership of that data moves with the value from Publish to Done.
type Slot[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state state[T]
	busy  bool // consumer took a value and has not called Done yet

	// pending mirrors state.ready || busy. It is written under mu and read
	// without it, so polling Pending never makes a Publish TryLock fail.
	pending atomic.Bool

	published   atomic.Uint64
	rejected    atomic.Uint64
	overwritten atomic.Uint64
	taken       atomic.Uint64
	waits       atomic.Uint64
}

// state is either empty or ready(value).
type state[T any] struct {
	ready bool
	value T
}

func New[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish tries to hand v to the consumer without blocking. It returns false
// when the slot lock is contended or the consumer is still busy with the
// previous value; the caller owns v again and must treat it as dropped.
// A ready value nobody has taken yet is replaced by v and counted as overwritten.
func (s *Slot[T]) Publish(v T) bool {
	if !s.mu.TryLock() {
		s.rejected.Add(1)
		return false
	}
	if s.busy {
		s.mu.Unlock()
		s.rejected.Add(1)
		return false
	}
	if s.state.ready {
		s.overwritten.Add(1)
	}
	s.state = state[T]{ready: true, value: v}
	s.pending.Store(true)
	s.mu.Unlock()

	s.published.Add(1)
	s.cond.Signal()
	return true
}

// Take blocks until a value is ready or ctx is done. On success the slot is
// empty again and the consumer is marked busy until Done is called.
// Cancellation wins over a ready value, so a cancelled consumer never picks
// up new work.
func (s *Slot[T]) Take(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			var zero T
			return zero, ErrCancelled
		}
		if s.state.ready {
			break
		}
		s.waits.Add(1)
		s.cond.Wait()
	}

	v := s.state.value
	s.state = state[T]{}
	s.busy = true
	s.taken.Add(1)
	return v, nil
}

// Done releases the value returned by the last Take.
func (s *Slot[T]) Done() {
	s.mu.Lock()
	s.busy = false
	s.pending.Store(s.state.ready)
	s.mu.Unlock()
}

// Drain discards a ready value that has not been taken yet and reports
// whether the consumer is still busy with an earlier one. Both facts are
// read under the same lock, so a busy report means the consumer holds the
// value of the last successful Publish.
func (s *Slot[T]) Drain() (discarded, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	discarded = s.state.ready
	if discarded {
		s.overwritten.Add(1)
	}
	s.state = state[T]{}
	s.pending.Store(s.busy)
	return discarded, s.busy
}

// Pending reports whether a published value is either waiting or being processed.
// It does not take the slot lock.
func (s *Slot[T]) Pending() bool {
	return s.pending.Load()
}

type Stats struct {
	Published   uint64
	Rejected    uint64
	Overwritten uint64 // replaced by a newer Publish or discarded by Drain
	Taken       uint64
	Waits       uint64
}

// Drops counts every published or attempted value that never reached the consumer.
func (st Stats) Drops() uint64 {
	return st.Rejected + st.Overwritten
}

func (s *Slot[T]) Stats() Stats {
	return Stats{
		Published:   s.published.Load(),
		Rejected:    s.rejected.Load(),
		Overwritten: s.overwritten.Load(),
		Taken:       s.taken.Load(),
		Waits:       s.waits.Load(),
	}
}
