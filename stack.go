package fibers

import "unsafe"

// stackGrowSlack is extra stack capacity reserved beyond the configured
// budget before an activation is measured, so that tasks staying within
// budget never trigger a runtime stack copy mid-measurement.
const stackGrowSlack = 32 * 1024

// stackPointer returns an address within the caller's current stack frame.
//
// Fiber stack accounting works by address delta: the trampoline records a
// base address at the top of each task activation, and every yield point
// samples the current frame address. The runtime grows goroutine stacks by
// copying them, which would make the base stale relative to later samples,
// so a recording fiber first pre-grows its stack past the budget (plus
// slack) with growStack. A task that outruns even that triggers a copy and
// may produce a garbage delta; sampleStack discards deltas that cannot be a
// plausible stack depth. Like the original sentinel-fill-and-scan scheme
// this is a debug facility: fairly expensive, approximate at the margin,
// and accurate for tasks that respect the budget.
func stackPointer() uintptr {
	var b byte
	return uintptr(unsafe.Pointer(&b))
}

// maxPlausibleStackUsed bounds recorded deltas; anything larger is a stale
// base across a runtime stack move, not a measurement.
const maxPlausibleStackUsed = 1 << 30

// growStack recurses until roughly n bytes of stack have been touched,
// forcing the runtime to grow the goroutine's stack capacity up front.
//
//go:noinline
func growStack(n int) byte {
	var buf [1024]byte
	buf[0] = 1
	if n > len(buf) {
		buf[1] = growStack(n - len(buf))
	}
	return buf[0] + buf[1]
}
