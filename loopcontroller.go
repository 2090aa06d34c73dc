package fibers

import (
	"context"
	"sync/atomic"
	"time"
)

// LoopController arranges for the manager's loop to execute on the owning
// goroutine when work becomes available. The manager debounces Schedule
// calls; the controller only has to guarantee that a scheduled loop runs at
// least once.
type LoopController interface {
	// SetManager binds the controller; called once from NewFiberManager.
	SetManager(*FiberManager)
	// Schedule requests a loop run. Manager goroutine only.
	Schedule()
	// ScheduleThreadSafe requests a loop run from any goroutine; must be
	// lock-free on the caller.
	ScheduleThreadSafe()
	// Cancel withdraws any pending request (best effort).
	Cancel()
}

// SimpleLoopController is a portable LoopController: an atomic scheduled
// flag plus a buffered wake channel. Drive it with RunUntilIdle for
// deterministic, run-to-quiescence execution, or Run for a blocking loop
// that sleeps between batches of work.
type SimpleLoopController struct {
	fm        *FiberManager
	scheduled atomic.Bool
	wake      chan struct{}
}

// NewSimpleLoopController creates an idle controller.
func NewSimpleLoopController() *SimpleLoopController {
	return &SimpleLoopController{wake: make(chan struct{}, 1)}
}

// SetManager implements LoopController.
func (c *SimpleLoopController) SetManager(fm *FiberManager) { c.fm = fm }

// Schedule implements LoopController.
func (c *SimpleLoopController) Schedule() { c.scheduled.Store(true) }

// ScheduleThreadSafe implements LoopController. The wake send is
// non-blocking; a pending wake is never duplicated.
func (c *SimpleLoopController) ScheduleThreadSafe() {
	c.scheduled.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Cancel implements LoopController.
func (c *SimpleLoopController) Cancel() { c.scheduled.Store(false) }

// RunUntilIdle runs scheduled loops and due timers until the manager is
// quiescent: nothing ready, nothing due, nothing scheduled. It never sleeps.
// Returns whether outstanding tasks remain (e.g. fibers awaiting batons).
func (c *SimpleLoopController) RunUntilIdle() bool {
	for {
		progressed := false
		if ts := c.timerService(); ts != nil {
			if ts.RunExpired(time.Now()) > 0 {
				progressed = true
			}
		}
		if c.scheduled.Swap(false) {
			c.fm.LoopUntilNoReady()
			progressed = true
		}
		if !progressed {
			return c.fm.HasTasks()
		}
	}
}

// Run drives the manager until ctx is done, sleeping on the wake channel or
// the next timer deadline while idle.
func (c *SimpleLoopController) Run(ctx context.Context) error {
	for {
		c.RunUntilIdle()
		if err := ctx.Err(); err != nil {
			return err
		}

		var timerC <-chan time.Time
		var tm *time.Timer
		if ts := c.timerService(); ts != nil {
			if deadline, ok := ts.NextDeadline(); ok {
				d := max(time.Until(deadline), 0)
				tm = time.NewTimer(d)
				timerC = tm.C
			}
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return ctx.Err()
		case <-c.wake:
		case <-timerC:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

func (c *SimpleLoopController) timerService() *TimerService {
	if c.fm == nil {
		return nil
	}
	ts, _ := c.fm.timeoutService.(*TimerService)
	return ts
}
