//go:build linux || darwin

package fibers

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FDLoopController is a LoopController whose wake signal is a file
// descriptor: an eventfd on Linux, a non-blocking pipe elsewhere. Its Run
// loop sleeps in poll(2), and WakeFD exposes the read end so a host event
// loop can multiplex the manager's wake-ups into its own poller instead.
type FDLoopController struct {
	fm          *FiberManager
	scheduled   atomic.Bool
	wakePending atomic.Uint32
	readFD      int
	writeFD     int
}

// NewFDLoopController creates a controller with a fresh wake fd pair.
func NewFDLoopController() (*FDLoopController, error) {
	readFD, writeFD, err := createWakeFD()
	if err != nil {
		return nil, err
	}
	return &FDLoopController{readFD: readFD, writeFD: writeFD}, nil
}

// SetManager implements LoopController.
func (c *FDLoopController) SetManager(fm *FiberManager) { c.fm = fm }

// Schedule implements LoopController.
func (c *FDLoopController) Schedule() { c.scheduled.Store(true) }

// ScheduleThreadSafe implements LoopController. The fd write is deduplicated
// so a burst of remote submissions costs at most one syscall.
func (c *FDLoopController) ScheduleThreadSafe() {
	c.scheduled.Store(true)
	if c.wakePending.CompareAndSwap(0, 1) {
		if err := c.signalWake(); err != nil {
			// Expected when the fd pair is closing; the work is already
			// queued and will be seen by the next loop run.
			c.wakePending.Store(0)
		}
	}
}

// Cancel implements LoopController.
func (c *FDLoopController) Cancel() { c.scheduled.Store(false) }

// WakeFD returns the read end of the wake signal for integration with a
// host poller. When it polls readable, drain it and run
// [FiberManager.LoopUntilNoReady].
func (c *FDLoopController) WakeFD() int { return c.readFD }

// Close releases the wake fd pair. Call after Run has returned.
func (c *FDLoopController) Close() error {
	err := unix.Close(c.readFD)
	if c.writeFD != c.readFD {
		if cerr := unix.Close(c.writeFD); err == nil {
			err = cerr
		}
	}
	return err
}

// Run drives the manager until ctx is done, sleeping in poll(2) while idle.
func (c *FDLoopController) Run(ctx context.Context) error {
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.signalWake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		c.runUntilIdle()
		if err := ctx.Err(); err != nil {
			return err
		}

		fds := [1]unix.PollFd{{Fd: int32(c.readFD), Events: unix.POLLIN}}
		n, err := unix.Poll(fds[:], c.pollTimeout())
		if err != nil && err != unix.EINTR {
			return err
		}
		if n > 0 {
			c.drainWake()
		}
	}
}

func (c *FDLoopController) runUntilIdle() {
	for {
		progressed := false
		if ts, ok := c.fm.timeoutService.(*TimerService); ok {
			if ts.RunExpired(time.Now()) > 0 {
				progressed = true
			}
		}
		if c.scheduled.Swap(false) {
			c.fm.LoopUntilNoReady()
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// pollTimeout bounds the poll sleep by the next timer deadline, capped at
// 10s, with sub-millisecond delays rounded up so a due timer is never
// spun on.
func (c *FDLoopController) pollTimeout() int {
	maxDelay := 10 * time.Second
	if ts, ok := c.fm.timeoutService.(*TimerService); ok {
		if deadline, hasNext := ts.NextDeadline(); hasNext {
			delay := max(time.Until(deadline), 0)
			if delay < maxDelay {
				maxDelay = delay
			}
		}
	}
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	return int(maxDelay.Milliseconds())
}

func (c *FDLoopController) signalWake() error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(c.writeFD, buf)
	return err
}

func (c *FDLoopController) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(c.readFD, buf[:]); err != nil {
			break
		}
	}
	c.wakePending.Store(0)
}
