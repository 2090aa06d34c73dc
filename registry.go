package fibers

import (
	"runtime"
	"sync"
)

// fiberManagers maps goroutine id → *FiberManager for every goroutine that
// logically belongs to a manager: the loop goroutine while a loop run is in
// progress, and each fiber goroutine for its whole lifetime. It backs the
// package-level accessors and the ownership assertions on local entry
// points.
var fiberManagers sync.Map // uint64 → *FiberManager

// getGoroutineID returns the current goroutine's ID by parsing the header of
// its stack trace. This is not cheap (a runtime.Stack call), but it is only
// on submission and assertion paths, never per context switch.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

func currentManager() *FiberManager {
	if v, ok := fiberManagers.Load(getGoroutineID()); ok {
		return v.(*FiberManager)
	}
	return nil
}

// registerGoroutine binds gid to fm, returning the previous binding so that
// nested loop runs (a manager driven from within another manager's fiber)
// can restore it on exit.
func registerGoroutine(gid uint64, fm *FiberManager) (prev *FiberManager) {
	if v, ok := fiberManagers.Load(gid); ok {
		prev = v.(*FiberManager)
	}
	fiberManagers.Store(gid, fm)
	return prev
}

func restoreGoroutine(gid uint64, prev *FiberManager) {
	if prev == nil {
		fiberManagers.Delete(gid)
	} else {
		fiberManagers.Store(gid, prev)
	}
}

// GetFiberManagerUnsafe returns the manager the calling goroutine belongs
// to, or nil when the caller is not on a manager's loop or fibers.
func GetFiberManagerUnsafe() *FiberManager {
	return currentManager()
}

// GetFiberManager returns the manager the calling goroutine belongs to.
// It panics when the caller is not on a manager's loop or fibers.
func GetFiberManager() *FiberManager {
	fm := currentManager()
	if fm == nil {
		panic("fibers: not running on a FiberManager")
	}
	return fm
}

// OnFiber reports whether the caller is executing on a fiber. Code run on
// the main context via [FiberManager.RunInMainContext] reports false, even
// though the originating fiber is still current for [Local] lookups.
func OnFiber() bool {
	if fm := currentManager(); fm != nil {
		return fm.HasActiveFiber()
	}
	return false
}
