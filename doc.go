// Package fibers provides a single-goroutine, cooperatively-scheduled task
// execution engine. Tasks run as fibers: each fiber owns a dedicated,
// reusable execution context and may voluntarily suspend mid-execution (via
// [Baton.Wait] or [FiberManager.RunInMainContext]) and resume later at the
// exact point of suspension.
//
// # Architecture
//
// A [FiberManager] multiplexes its fibers over a single owning goroutine. The
// manager maintains a FIFO ready queue and a bounded free pool of idle
// fibers; completed fibers are recycled through the pool rather than torn
// down. Work arrives either locally ([FiberManager.AddTask],
// [AddTaskFinally], [FiberManager.AddTaskReadyFunc]) or from foreign
// goroutines ([FiberManager.AddTaskRemote], [Baton.Post]), the latter through
// lock-free multi-producer/single-consumer intrusive lists.
//
// The manager does not drive itself. A [LoopController] arranges for
// [FiberManager.LoopUntilNoReady] to run on the owning goroutine whenever
// work becomes available; [SimpleLoopController] is a portable
// implementation, and [FDLoopController] integrates with fd-based pollers on
// Unix platforms. Deferred wake-ups go through a [TimeoutService]
// ([TimerService] is the provided implementation).
//
// # Execution Model
//
// Per-manager execution is strictly serial: no two fibers of the same
// manager ever run simultaneously. Ready fibers run in FIFO order, except
// that a fiber returning from [FiberManager.RunInMainContext] is re-queued
// at the front so it resumes with minimal latency. Remote submissions
// preserve their per-producer submission order.
//
// Suspension points are exactly [Baton.Wait] (and its timeout variants) and
// [FiberManager.RunInMainContext] called on a fiber. Nothing else suspends,
// and the scheduling loop itself never blocks.
//
// # Thread Safety
//
// The manager is pinned to the goroutine that first runs its loop. Local
// submission, scheduling, [Local] and [FiberManager.RunInMainContext] must
// be called from that goroutine (code running on one of the manager's fibers
// counts). Only [FiberManager.AddTaskRemote] and [Baton.Post] are safe from
// any goroutine. Misuse panics.
//
// # Failure Semantics
//
// A task panic never tears down the manager: it is recovered, wrapped in a
// [PanicError], and routed to the task's finally sink if one was provided,
// otherwise to the manager's exception callback. The fiber is still
// recycled.
//
// # Usage
//
//	lc := fibers.NewSimpleLoopController()
//	fm, err := fibers.NewFiberManager(lc)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer fm.Shutdown()
//
//	var b fibers.Baton
//	fm.AddTask(func() {
//		b.Wait() // suspends this fiber
//		fmt.Println("woken")
//	})
//	fm.AddTask(func() {
//		b.Post() // wakes the waiter
//	})
//
//	lc.RunUntilIdle()
package fibers
