package reprl

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitForResultLocked polls the control channel for the status word the
// child writes back after finishing a script, killing the child on timeout.
// If the read comes back short (typically because the child crashed and
// closed its end of the pipe instead of writing a status), it falls back to
// a bounded waitpid retry loop to recover the real exit status. Callers hold
// c.mu.
func (c *Context) waitForResultLocked(timeout time.Duration) (Status, time.Duration, error) {
	start := time.Now()

	pfd := []unix.PollFd{{Fd: int32(c.ctrlRead.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	elapsed := time.Since(start)
	if n == 0 {
		c.terminateChildLocked()
		return TimeoutBit, elapsed, nil
	}
	if err != nil {
		return 0, elapsed, fmt.Errorf("%w: poll: %v", ErrControlChannel, err)
	}

	var buf [4]byte
	nread, readErr := c.ctrlRead.Read(buf[:])
	if readErr != nil || nread != 4 {
		status, err := c.recoverFromShortReadLocked(start, timeout)
		return status, time.Since(start), err
	}

	status := Status(int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24)
	return status & 0xffff, elapsed, nil
}

// recoverFromShortReadLocked retries waitpid(WNOHANG) until the child is
// reaped or the overall timeout elapses, since there's no guarantee the
// child's exit has already been reported to the kernel the instant its
// control pipe closes.
func (c *Context) recoverFromShortReadLocked(start time.Time, timeout time.Duration) (Status, error) {
	pid := c.pid
	var ws syscall.WaitStatus
	for {
		reaped, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		if err == nil && reaped == pid {
			c.childTerminatedLocked()
			return statusFromWaitStatus(ws) & 0xffff, nil
		}
		if time.Since(start) >= timeout {
			c.terminateChildLocked()
			return 0, ErrWeirdChildState
		}
		time.Sleep(10 * time.Microsecond)
	}
}
