//go:build linux || darwin

// Package sockpeek implements ByteLineStream's "bytes available without
// blocking" query on platforms where a FIONREAD ioctl is available.
package sockpeek

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Available returns the number of bytes queued for reading on the raw
// connection without consuming them, or 0 if the query could not be
// performed. Callers treat "unknown" the same as "none".
func Available(rc syscall.RawConn) int {
	if rc == nil {
		return 0
	}

	var n int
	var ctrlErr error
	err := rc.Control(func(fd uintptr) {
		n, ctrlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if err != nil || ctrlErr != nil || n < 0 {
		return 0
	}
	return n
}

// Probe peeks at the socket without consuming data to test whether the
// peer has closed the connection, for PollLiveness. It never blocks: a
// read that would block just means "alive, nothing to read yet".
func Probe(rc syscall.RawConn) bool {
	if rc == nil {
		return true
	}

	alive := true
	buf := make([]byte, 1)
	_ = rc.Read(func(fd uintptr) bool {
		n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		case n == 0:
			alive = false
		default:
			alive = true
		}
		return true
	})
	return alive
}
