// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fibers

import (
	"sync/atomic"
	"time"
)

// Baton states. Transitions are monotonic: once a baton leaves batonInit it
// never reverts, and exactly one of Post or the registered timeout wins.
const (
	batonInit uint32 = iota
	batonPosted
	batonWaiting
	batonTimedOut
)

// Baton is a single-shot rendezvous between one waiter (a fiber) and one or
// more posters (any goroutine). A fiber blocks on Wait; the first Post (or
// the registered timeout) wakes it. Subsequent posts are no-ops.
//
// The zero value is ready to use. A Baton is single-use: allocate a fresh
// one per rendezvous. The caller owns the Baton and must keep it alive until
// Wait has returned.
//
// Memory ordering: a fiber returning from Wait observes all memory effects
// that happened before the winning Post on any goroutine.
type Baton struct {
	state atomic.Uint32
	// fiber is non-owning and valid only in the batonWaiting state; during
	// suspension the fiber logically belongs to the manager's off-queue set.
	fiber atomic.Pointer[Fiber]
}

// Wait blocks the calling fiber until the baton is posted. If the baton was
// already posted, Wait returns immediately without suspending. Must be
// called from a fiber; panics otherwise.
func (b *Baton) Wait() {
	_ = b.wait(noDeadline, 0)
}

// WaitFor is like [Baton.Wait] but gives up after timeout, returning
// [ErrBatonTimedOut]. A post that arrives after the timeout fired is a
// no-op. Requires the manager to have a [TimeoutService].
func (b *Baton) WaitFor(timeout time.Duration) error {
	return b.wait(relativeDeadline, timeout)
}

// WaitUntil is like [Baton.WaitFor] with an absolute deadline.
func (b *Baton) WaitUntil(deadline time.Time) error {
	return b.wait(relativeDeadline, time.Until(deadline))
}

type deadlineMode uint8

const (
	noDeadline deadlineMode = iota
	relativeDeadline
)

func (b *Baton) wait(mode deadlineMode, timeout time.Duration) error {
	fm := currentManager()
	if fm == nil || fm.activeFiber == nil {
		panic("fibers: Baton.Wait called outside a fiber")
	}
	f := fm.activeFiber

	var handle TimeoutHandle
	if mode != noDeadline {
		ts := fm.timeoutService
		if ts == nil {
			panic("fibers: Baton.WaitFor requires a TimeoutService")
		}
		handle = ts.RegisterTimeout(timeout, b.timeoutPost)
	}

	// Publish the waiter before the state transition; a poster that wins
	// the Waiting→Posted CAS is guaranteed to observe it. The timeout
	// callback runs on the manager's goroutine and therefore cannot fire
	// before this fiber has actually suspended.
	b.fiber.Store(f)
	if b.state.CompareAndSwap(batonInit, batonWaiting) {
		f.suspend(yieldAwaiting)
	}

	if b.state.Load() == batonTimedOut {
		return ErrBatonTimedOut
	}
	if handle != nil {
		fm.timeoutService.Cancel(handle)
	}
	return nil
}

// Post wakes the waiter, or marks the baton posted if nobody waits yet.
// Safe to call from any goroutine. Reports whether this call won the baton;
// duplicate posts and posts after a timeout report false and have no
// effect.
func (b *Baton) Post() bool {
	for {
		switch b.state.Load() {
		case batonInit:
			if b.state.CompareAndSwap(batonInit, batonPosted) {
				return true
			}
		case batonWaiting:
			if b.state.CompareAndSwap(batonWaiting, batonPosted) {
				f := b.fiber.Load()
				f.manager.readyWaitingFiber(f)
				return true
			}
		default: // posted or timed out
			return false
		}
	}
}

// timeoutPost is the TimeoutService callback: it runs on the manager's
// goroutine and wins the baton with the timed-out outcome unless a post got
// there first.
func (b *Baton) timeoutPost() {
	if b.state.CompareAndSwap(batonWaiting, batonTimedOut) {
		f := b.fiber.Load()
		f.manager.readyWaitingFiber(f)
	}
}
