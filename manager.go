package fibers

import (
	"log"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// ExceptionCallback receives task failures that have no finally sink, plus a
// short contextual label. It is invoked on the manager's goroutine and must
// not panic.
type ExceptionCallback func(err error, context string)

// FiberManager is a single-goroutine task execution engine. It owns a set of
// fibers, multiplexes their execution over its owning goroutine, and
// coordinates wake-ups from that goroutine, from foreign goroutines, and
// from timers.
//
// Create with [NewFiberManager]; drive with a [LoopController]. See the
// package documentation for the execution model.
type FiberManager struct {
	// Prevent copying
	_ [0]func()

	loopController LoopController
	timeoutService TimeoutService
	opts           managerOptions
	logger         *logiface.Logger[logiface.Event]

	// loopGID pins the manager to the goroutine that first runs its loop.
	// Read from foreign goroutines by the ownership assertions.
	loopGID atomic.Uint64

	// activeFiber is the fiber currently executing, nil on the main context.
	activeFiber *Fiber
	// currentFiber matches activeFiber, but stays set while a
	// RunInMainContext thunk executes on the main context so that
	// fiber-local lookups still resolve to the originating fiber.
	currentFiber *Fiber
	// immediateFunc is the pending RunInMainContext thunk.
	immediateFunc func()

	readyFibers fiberQueue
	fibersPool  fiberStack

	fibersAllocated int
	fibersPoolSize  int
	fibersActive    int

	isLoopScheduled bool

	stackHighWatermark uintptr

	exceptionCallback ExceptionCallback

	// mainLocals backs Local lookups made outside any fiber.
	mainLocals localData

	remoteReadyQueue atomicList[Fiber]
	remoteTaskQueue  atomicList[remoteTask]

	shutdown atomic.Bool
}

// NewFiberManager initializes a manager bound to the given controller. The
// loop is not started; the controller's Schedule calls decide when
// [FiberManager.LoopUntilNoReady] runs.
func NewFiberManager(lc LoopController, opts ...Option) (*FiberManager, error) {
	if lc == nil {
		panic("fibers: NewFiberManager requires a LoopController")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	fm := &FiberManager{
		loopController:    lc,
		timeoutService:    cfg.timeoutService,
		opts:              *cfg,
		logger:            cfg.logger,
		exceptionCallback: cfg.exceptionCallback,
	}
	if fm.timeoutService == nil {
		fm.timeoutService = NewTimerService()
	}
	fm.remoteReadyQueue = newAtomicList(func(f *Fiber) *atomic.Pointer[Fiber] {
		return &f.nextRemoteReady
	})
	fm.remoteTaskQueue = newAtomicList(func(t *remoteTask) *atomic.Pointer[remoteTask] {
		return &t.nextRemote
	})
	lc.SetManager(fm)
	return fm, nil
}

// TimeoutService returns the service used for deferred wake-ups.
func (fm *FiberManager) TimeoutService() TimeoutService { return fm.timeoutService }

// LoopController returns the controller driving this manager.
func (fm *FiberManager) LoopController() LoopController { return fm.loopController }

// SetExceptionCallback installs the sink for task failures that have no
// finally handler. Passing nil restores the default (structured log, falling
// back to the standard logger).
func (fm *FiberManager) SetExceptionCallback(cb ExceptionCallback) {
	fm.assertOwning("SetExceptionCallback")
	fm.exceptionCallback = cb
}

// AddTask schedules fn to run on a fiber. Must be called from the manager's
// goroutine. The task never runs synchronously; it is always enqueued. When
// called from within a fiber, the new fiber receives a copy of the caller's
// fiber-locals.
func (fm *FiberManager) AddTask(fn func()) {
	fm.assertOwning("AddTask")
	if fn == nil {
		panic("fibers: AddTask requires a task function")
	}
	f := fm.getFiber()
	f.prepare(fn, fm.snapshotCurrentLocals())
	fm.readyFibers.pushBack(f)
	fm.ensureLoopScheduled()
}

// AddTaskReadyFunc is [FiberManager.AddTask] with a hook that runs on the
// main context immediately before the new fiber's first resume, e.g. to set
// up state the task expects. The hook is attached to this specific fiber and
// is never reordered relative to other fibers' hooks.
func (fm *FiberManager) AddTaskReadyFunc(fn, readyFunc func()) {
	fm.assertOwning("AddTaskReadyFunc")
	if fn == nil || readyFunc == nil {
		panic("fibers: AddTaskReadyFunc requires both functions")
	}
	f := fm.getFiber()
	f.prepare(fn, fm.snapshotCurrentLocals())
	f.readyFunc = readyFunc
	fm.readyFibers.pushBack(f)
	fm.ensureLoopScheduled()
}

// AddTaskFinally schedules fn on a fiber of fm and, once it completes,
// executes finally on the main context with the outcome — the returned
// value, the returned error, or a [PanicError] if fn panicked. The finally
// functor is run and destroyed on the main context; fn on the fiber.
//
// This is a package function because Go methods cannot be generic.
func AddTaskFinally[T any](fm *FiberManager, fn func() (T, error), finally func(Result[T])) {
	fm.assertOwning("AddTaskFinally")
	if fn == nil || finally == nil {
		panic("fibers: AddTaskFinally requires both functions")
	}
	f := fm.getFiber()
	res := new(Result[T])
	f.prepare(func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = newPanicError(r)
			}
		}()
		v, err := fn()
		if err != nil {
			res.Err = err
			return
		}
		res.Value = v
	}, fm.snapshotCurrentLocals())
	f.finallyFunc = func() { finally(*res) }
	fm.readyFibers.pushBack(f)
	fm.ensureLoopScheduled()
}

// AddTaskRemote schedules fn from any goroutine. If the submitter is itself
// running on a fiber (of any manager), a snapshot of its fiber-locals is
// carried over. Remote submissions from the same goroutine execute in
// submission order relative to each other.
func (fm *FiberManager) AddTaskRemote(fn func()) {
	if fn == nil {
		panic("fibers: AddTaskRemote requires a task function")
	}
	if fm.shutdown.Load() {
		fm.logger.Warning().Log("remote task dropped: manager is shut down")
		return
	}
	rt := &remoteTask{fn: fn}
	if sub := currentManager(); sub != nil {
		if cf := sub.currentFiber; cf != nil {
			snap := cf.localData.snapshot()
			rt.locals = &snap
		}
	}
	if fm.remoteTaskQueue.push(rt) {
		fm.loopController.ScheduleThreadSafe()
	}
}

// RunInMainContext runs fn on the main context and returns after it
// completes. Off-fiber it is a direct call. On a fiber it suspends the
// caller, runs fn on the main context, and resumes the caller ahead of all
// other ready fibers; a panic in fn propagates back to the fiber.
//
// Use this escape hatch for work that must not run on a fiber, e.g. code
// that may recurse deeply or that checks [OnFiber].
func (fm *FiberManager) RunInMainContext(fn func()) {
	fm.assertOwning("RunInMainContext")
	f := fm.activeFiber
	if f == nil {
		fn()
		return
	}
	var pe *PanicError
	fm.immediateFunc = func() {
		defer func() {
			if r := recover(); r != nil {
				pe = newPanicError(r)
			}
		}()
		fn()
	}
	f.suspend(yieldToMain)
	if pe != nil {
		panic(pe)
	}
}

// LoopUntilNoReady keeps running ready fibers until none remain, draining
// the remote queues as it goes. Returns whether outstanding tasks remain
// (awaiting fibers or unprocessed remote work). Must run on the manager's
// owning goroutine; the first call pins it.
func (fm *FiberManager) LoopUntilNoReady() bool {
	fm.bindLoopGoroutine()
	gid := getGoroutineID()
	prev := registerGoroutine(gid, fm)
	defer restoreGoroutine(gid, prev)

	fm.isLoopScheduled = false
	for {
		fm.drainRemote()
		f := fm.readyFibers.popFront()
		if f == nil {
			if fm.remoteTaskQueue.empty() && fm.remoteReadyQueue.empty() {
				break
			}
			continue
		}
		fm.runReadyFiber(f)
	}
	return fm.HasTasks()
}

// HasTasks reports whether there are outstanding tasks: ready or awaiting
// fibers, or remote work not yet drained.
func (fm *FiberManager) HasTasks() bool {
	return fm.fibersActive > 0 ||
		!fm.remoteReadyQueue.empty() ||
		!fm.remoteTaskQueue.empty()
}

// HasActiveFiber reports whether a fiber is currently executing (false while
// a RunInMainContext thunk runs on the main context).
func (fm *FiberManager) HasActiveFiber() bool { return fm.activeFiber != nil }

// FibersAllocated returns how many fibers this manager has live (active plus
// pooled).
func (fm *FiberManager) FibersAllocated() int { return fm.fibersAllocated }

// FibersPoolSize returns how many idle fibers sit in the free pool.
func (fm *FiberManager) FibersPoolSize() int { return fm.fibersPoolSize }

// StackHighWatermark returns the largest observed fiber stack usage in
// bytes. Only meaningful with [WithRecordStackUsage]; monotonically
// non-decreasing.
func (fm *FiberManager) StackHighWatermark() int { return int(fm.stackHighWatermark) }

// Shutdown retires the pooled fibers (terminating their goroutines) and
// cancels any pending loop run. It panics if the manager still owns active
// or ready fibers, or undrained remote work. Idempotent.
func (fm *FiberManager) Shutdown() {
	fm.assertOwning("Shutdown")
	if fm.shutdown.Load() {
		return
	}
	if fm.HasTasks() {
		panic("fibers: Shutdown with outstanding tasks")
	}
	fm.shutdown.Store(true)
	retired := 0
	for {
		f := fm.fibersPool.pop()
		if f == nil {
			break
		}
		fm.fibersPoolSize--
		fm.fibersAllocated--
		f.retire()
		retired++
	}
	fm.loopController.Cancel()
	fm.logger.Debug().
		Int("retired", retired).
		Int("stack_high_watermark", int(fm.stackHighWatermark)).
		Log("fiber manager shut down")
}

// --- internals ---

// bindLoopGoroutine pins the manager to the first goroutine that runs its
// loop and rejects later runs from anywhere else.
func (fm *FiberManager) bindLoopGoroutine() {
	gid := getGoroutineID()
	old := fm.loopGID.Load()
	if old == 0 {
		if fm.loopGID.CompareAndSwap(0, gid) {
			return
		}
		old = fm.loopGID.Load()
	}
	if old != gid {
		panic("fibers: FiberManager loop run from a different goroutine")
	}
}

// assertOwning panics when a manager-goroutine-only operation is invoked
// elsewhere. Before the loop goroutine is pinned there is nothing to check
// against; fibers of this manager always pass.
func (fm *FiberManager) assertOwning(op string) {
	gid := fm.loopGID.Load()
	if gid == 0 || gid == getGoroutineID() || currentManager() == fm {
		return
	}
	panic("fibers: " + op + " called off the manager's goroutine")
}

func (fm *FiberManager) onOwningGoroutine() bool {
	gid := fm.loopGID.Load()
	return (gid != 0 && gid == getGoroutineID()) || currentManager() == fm
}

// snapshotCurrentLocals copies the submitting fiber's locals, if any.
func (fm *FiberManager) snapshotCurrentLocals() localData {
	if cf := fm.currentFiber; cf != nil {
		return cf.localData.snapshot()
	}
	return localData{}
}

// getFiber returns an initialized fiber, drawn from the pool when possible.
func (fm *FiberManager) getFiber() *Fiber {
	f := fm.fibersPool.pop()
	if f != nil {
		fm.fibersPoolSize--
	} else {
		f = newFiber(fm)
		fm.fibersAllocated++
	}
	fm.fibersActive++
	return f
}

func (fm *FiberManager) ensureLoopScheduled() {
	if fm.isLoopScheduled {
		return
	}
	fm.isLoopScheduled = true
	fm.loopController.Schedule()
}

// readyWaitingFiber re-enqueues a fiber whose baton was posted or timed out.
// On the owning goroutine the fiber joins the ready queue directly; from a
// foreign goroutine it routes through the lock-free remote-ready list.
func (fm *FiberManager) readyWaitingFiber(f *Fiber) {
	if fm.onOwningGoroutine() {
		f.state = StateReady
		fm.readyFibers.pushBack(f)
		fm.ensureLoopScheduled()
		return
	}
	if fm.remoteReadyQueue.push(f) {
		fm.loopController.ScheduleThreadSafe()
	}
}

// drainRemote moves remote submissions into the local structures: remote
// tasks become fibers at the tail of the ready queue, remote-ready fibers
// rejoin it. Sweep order is insertion order, preserving per-producer
// submission order.
func (fm *FiberManager) drainRemote() {
	for rt := fm.remoteTaskQueue.sweep(); rt != nil; {
		next := rt.nextRemote.Load()
		rt.nextRemote.Store(nil)
		f := fm.getFiber()
		if rt.locals != nil {
			f.prepare(rt.fn, *rt.locals)
		} else {
			f.prepare(rt.fn, localData{})
		}
		fm.readyFibers.pushBack(f)
		rt = next
	}
	for f := fm.remoteReadyQueue.sweep(); f != nil; {
		next := f.nextRemoteReady.Load()
		f.nextRemoteReady.Store(nil)
		f.state = StateReady
		fm.readyFibers.pushBack(f)
		f = next
	}
}

// runReadyFiber resumes one fiber and dispatches on why it came back.
func (fm *FiberManager) runReadyFiber(f *Fiber) {
	if rf := f.readyFunc; rf != nil {
		f.readyFunc = nil
		rf()
	}

	fm.activeFiber = f
	fm.currentFiber = f
	reason := f.resume()
	fm.activeFiber = nil

	fm.recordStackUsage(f)

	switch reason {
	case yieldCompleted:
		fm.completeFiber(f)
		fm.currentFiber = nil
	case yieldAwaiting:
		// The fiber is owned by its Baton now: in neither ready nor pool.
		fm.currentFiber = nil
	case yieldToMain:
		imm := fm.immediateFunc
		fm.immediateFunc = nil
		imm()
		fm.currentFiber = nil
		f.state = StateReady
		fm.readyFibers.pushFront(f)
	}
}

// completeFiber runs the finally sink (or routes the failure), then recycles
// the fiber through the pool or retires it when the pool is at capacity.
func (fm *FiberManager) completeFiber(f *Fiber) {
	err := f.taskErr
	f.taskErr = nil
	if fin := f.finallyFunc; fin != nil {
		f.finallyFunc = nil
		fm.runFinally(fin)
	} else if err != nil {
		fm.deliverException(err, "task")
	}
	f.state = StateInvalid
	f.localData.reset()
	fm.fibersActive--
	if fm.fibersPoolSize < fm.opts.maxFibersPoolSize {
		fm.fibersPool.push(f)
		fm.fibersPoolSize++
	} else {
		fm.fibersAllocated--
		f.retire()
	}
}

// runFinally executes a finally sink on the main context. A panicking
// finally is routed to the exception callback; it never unwinds the loop.
func (fm *FiberManager) runFinally(fin func()) {
	defer func() {
		if r := recover(); r != nil {
			fm.deliverException(newPanicError(r), "finally")
		}
	}()
	fin()
}

func (fm *FiberManager) deliverException(err error, context string) {
	if cb := fm.exceptionCallback; cb != nil {
		cb(err, context)
		return
	}
	if fm.logger != nil {
		fm.logger.Err().Err(err).Str("context", context).Log("fiber task failed")
		return
	}
	log.Printf("ERROR: fibers: %s failed: %v", context, err)
}

func (fm *FiberManager) recordStackUsage(f *Fiber) {
	if !fm.opts.recordStackUsage {
		return
	}
	if f.stackUsed > fm.stackHighWatermark {
		fm.stackHighWatermark = f.stackUsed
		if f.stackUsed > uintptr(fm.opts.stackSize) {
			fm.logger.Warning().
				Int("stack_used", int(f.stackUsed)).
				Int("stack_size", fm.opts.stackSize).
				Log("fiber stack budget exceeded")
		}
	}
}

// fiberQueue is the intrusive FIFO backing the ready queue.
type fiberQueue struct {
	head *Fiber
	tail *Fiber
}

func (q *fiberQueue) pushBack(f *Fiber) {
	f.next = nil
	if q.tail == nil {
		q.head = f
	} else {
		q.tail.next = f
	}
	q.tail = f
}

func (q *fiberQueue) pushFront(f *Fiber) {
	f.next = q.head
	q.head = f
	if q.tail == nil {
		q.tail = f
	}
}

func (q *fiberQueue) popFront() *Fiber {
	f := q.head
	if f == nil {
		return nil
	}
	q.head = f.next
	if q.head == nil {
		q.tail = nil
	}
	f.next = nil
	return f
}

func (q *fiberQueue) empty() bool { return q.head == nil }

// fiberStack is the intrusive LIFO backing the free pool.
type fiberStack struct {
	head *Fiber
}

func (s *fiberStack) push(f *Fiber) {
	f.next = s.head
	s.head = f
}

func (s *fiberStack) pop() *Fiber {
	f := s.head
	if f == nil {
		return nil
	}
	s.head = f.next
	f.next = nil
	return f
}
