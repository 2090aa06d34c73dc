//go:build darwin

package fibers

import "golang.org/x/sys/unix"

// createWakeFD creates a non-blocking pipe for wake-up notifications
// (Darwin has no eventfd).
func createWakeFD() (readFD, writeFD int, err error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return 0, 0, err
		}
	}
	return p[0], p[1], nil
}
