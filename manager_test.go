package fibers

import (
	"errors"
	"testing"
)

func newTestManager(t *testing.T, opts ...Option) (*FiberManager, *SimpleLoopController) {
	t.Helper()
	lc := NewSimpleLoopController()
	fm, err := NewFiberManager(lc, opts...)
	if err != nil {
		t.Fatal("NewFiberManager failed:", err)
	}
	return fm, lc
}

// checkBookkeeping asserts the fundamental counter invariant: every live
// fiber is either active or pooled.
func checkBookkeeping(t *testing.T, fm *FiberManager) {
	t.Helper()
	if fm.fibersActive+fm.fibersPoolSize != fm.fibersAllocated {
		t.Fatalf("bookkeeping violated: active=%d pool=%d allocated=%d",
			fm.fibersActive, fm.fibersPoolSize, fm.fibersAllocated)
	}
	if fm.fibersPoolSize > fm.opts.maxFibersPoolSize {
		t.Fatalf("pool size %d exceeds cap %d", fm.fibersPoolSize, fm.opts.maxFibersPoolSize)
	}
}

func TestAddTask_SingleTask(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	x := 0
	fm.AddTask(func() { x = 42 })

	if lc.RunUntilIdle() {
		t.Fatal("expected no outstanding tasks")
	}

	if x != 42 {
		t.Fatalf("task did not run: x=%d", x)
	}
	if got := fm.FibersAllocated(); got != 1 {
		t.Fatalf("fibersAllocated=%d, want 1", got)
	}
	if got := fm.FibersPoolSize(); got != 1 {
		t.Fatalf("fibersPoolSize=%d, want 1", got)
	}
	if fm.HasActiveFiber() {
		t.Fatal("no fiber should be active after quiescence")
	}
	checkBookkeeping(t, fm)
}

func TestAddTask_NeverRunsSynchronously(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	ran := false
	fm.AddTask(func() { ran = true })
	if ran {
		t.Fatal("task ran synchronously at submission")
	}
	lc.RunUntilIdle()
	if !ran {
		t.Fatal("task never ran")
	}
}

func TestAddTask_SubmissionOrder(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		fm.AddTask(func() { order = append(order, i) })
	}
	lc.RunUntilIdle()

	if len(order) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d]=%d, want %d", i, v, i)
		}
	}
}

func TestAddTask_FromFiber(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var order []string
	fm.AddTask(func() {
		order = append(order, "parent")
		fm.AddTask(func() { order = append(order, "child") })
	})
	fm.AddTask(func() { order = append(order, "sibling") })
	lc.RunUntilIdle()

	want := []string{"parent", "sibling", "child"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order=%v, want %v", order, want)
		}
	}
	checkBookkeeping(t, fm)
}

func TestAddTaskReadyFunc_HookBeforeFirstResume(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var order []string
	fm.AddTaskReadyFunc(
		func() { order = append(order, "task") },
		func() {
			order = append(order, "ready")
			if OnFiber() {
				t.Error("ready hook must run on the main context")
			}
		},
	)
	fm.AddTask(func() { order = append(order, "other") })
	lc.RunUntilIdle()

	want := []string{"ready", "task", "other"}
	if len(order) != len(want) {
		t.Fatalf("order=%v, want %v", order, want)
	}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order=%v, want %v", order, want)
		}
	}
}

func TestAddTaskFinally_Success(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var got Result[int]
	finallyOnFiber := true
	AddTaskFinally(fm, func() (int, error) {
		return 7, nil
	}, func(r Result[int]) {
		got = r
		finallyOnFiber = OnFiber()
	})
	lc.RunUntilIdle()

	if !got.Ok() || got.Value != 7 {
		t.Fatalf("result=%+v, want value 7", got)
	}
	if finallyOnFiber {
		t.Fatal("finally must run on the main context")
	}
}

func TestAddTaskFinally_Error(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	errBoom := errors.New("boom")
	var got Result[int]
	AddTaskFinally(fm, func() (int, error) {
		return 0, errBoom
	}, func(r Result[int]) { got = r })
	lc.RunUntilIdle()

	if !errors.Is(got.Err, errBoom) {
		t.Fatalf("err=%v, want %v", got.Err, errBoom)
	}
}

func TestAddTaskFinally_Panic(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var got Result[int]
	AddTaskFinally(fm, func() (int, error) {
		panic("kaboom")
	}, func(r Result[int]) { got = r })
	lc.RunUntilIdle()

	var pe *PanicError
	if !errors.As(got.Err, &pe) {
		t.Fatalf("err=%v, want *PanicError", got.Err)
	}
	if pe.Value != "kaboom" {
		t.Fatalf("panic value=%v, want kaboom", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Fatal("panic stack not captured")
	}
	// The manager must keep accepting work after a task failure.
	ran := false
	fm.AddTask(func() { ran = true })
	lc.RunUntilIdle()
	if !ran {
		t.Fatal("manager stopped accepting work after a panic")
	}
	checkBookkeeping(t, fm)
}

func TestExceptionCallback_TaskPanicWithoutFinally(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var gotErr error
	var gotContext string
	fm.SetExceptionCallback(func(err error, context string) {
		gotErr = err
		gotContext = context
	})

	fm.AddTask(func() { panic("unhandled") })
	lc.RunUntilIdle()

	var pe *PanicError
	if !errors.As(gotErr, &pe) || pe.Value != "unhandled" {
		t.Fatalf("exception callback got %v", gotErr)
	}
	if gotContext != "task" {
		t.Fatalf("context=%q, want task", gotContext)
	}
	checkBookkeeping(t, fm)
}

func TestExceptionCallback_FinallyPanic(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var gotContext string
	fm.SetExceptionCallback(func(err error, context string) { gotContext = context })

	AddTaskFinally(fm, func() (int, error) { return 1, nil }, func(Result[int]) {
		panic("finally broke")
	})
	lc.RunUntilIdle()

	if gotContext != "finally" {
		t.Fatalf("context=%q, want finally", gotContext)
	}
	checkBookkeeping(t, fm)
}

func TestFiberPool_Reuse(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	for i := 0; i < 100; i++ {
		fm.AddTask(func() {})
		lc.RunUntilIdle()
	}
	if got := fm.FibersAllocated(); got != 1 {
		t.Fatalf("fibersAllocated=%d, want 1 (pool must recycle)", got)
	}
	checkBookkeeping(t, fm)
}

func TestFiberPool_Cap(t *testing.T) {
	fm, lc := newTestManager(t, WithMaxFibersPoolSize(2))
	defer fm.Shutdown()

	// 5 fibers alive at once: all block on a baton, then all complete.
	batons := make([]*Baton, 5)
	for i := range batons {
		batons[i] = new(Baton)
		b := batons[i]
		fm.AddTask(func() { b.Wait() })
	}
	lc.RunUntilIdle()
	if got := fm.FibersAllocated(); got != 5 {
		t.Fatalf("fibersAllocated=%d, want 5", got)
	}

	for _, b := range batons {
		b.Post()
	}
	lc.RunUntilIdle()

	if got := fm.FibersPoolSize(); got != 2 {
		t.Fatalf("fibersPoolSize=%d, want cap 2", got)
	}
	if got := fm.FibersAllocated(); got != 2 {
		t.Fatalf("fibersAllocated=%d, want 2 after retirement", got)
	}
	checkBookkeeping(t, fm)
}

func TestShutdown_Idempotent(t *testing.T) {
	fm, lc := newTestManager(t)
	fm.AddTask(func() {})
	lc.RunUntilIdle()
	fm.Shutdown()
	fm.Shutdown()
}

func TestShutdown_PanicsWithOutstandingTasks(t *testing.T) {
	fm, _ := newTestManager(t)
	b := new(Baton)
	fm.AddTask(func() { b.Wait() })

	defer func() {
		if recover() == nil {
			t.Fatal("Shutdown must panic with outstanding tasks")
		}
		// Unblock and drain so the fiber goroutine is not leaked.
		b.Post()
		lc := fm.loopController.(*SimpleLoopController)
		lc.RunUntilIdle()
		fm.Shutdown()
	}()
	lc := fm.loopController.(*SimpleLoopController)
	lc.RunUntilIdle()
	fm.Shutdown()
}

func TestAddTask_NilPanics(t *testing.T) {
	fm, _ := newTestManager(t)
	defer fm.Shutdown()
	defer func() {
		if recover() == nil {
			t.Fatal("AddTask(nil) must panic")
		}
	}()
	fm.AddTask(nil)
}

func TestNewFiberManager_InvalidOption(t *testing.T) {
	lc := NewSimpleLoopController()
	if _, err := NewFiberManager(lc, WithStackSize(0)); err == nil {
		t.Fatal("WithStackSize(0) must be rejected")
	}
	if _, err := NewFiberManager(lc, WithMaxFibersPoolSize(-1)); err == nil {
		t.Fatal("WithMaxFibersPoolSize(-1) must be rejected")
	}
}

func TestHasTasks(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	if fm.HasTasks() {
		t.Fatal("fresh manager reports tasks")
	}
	b := new(Baton)
	fm.AddTask(func() { b.Wait() })
	if !fm.HasTasks() {
		t.Fatal("queued task not reported")
	}
	lc.RunUntilIdle()
	if !fm.HasTasks() {
		t.Fatal("awaiting fiber not reported")
	}
	b.Post()
	lc.RunUntilIdle()
	if fm.HasTasks() {
		t.Fatal("quiescent manager reports tasks")
	}
}

func TestGetFiberManager(t *testing.T) {
	fm, lc := newTestManager(t)
	defer fm.Shutdown()

	var inside *FiberManager
	fm.AddTask(func() { inside = GetFiberManager() })
	lc.RunUntilIdle()
	if inside != fm {
		t.Fatal("GetFiberManager did not resolve the owning manager on a fiber")
	}
	if GetFiberManagerUnsafe() == fm {
		t.Fatal("test goroutine must not resolve to the manager outside a loop run")
	}
}
