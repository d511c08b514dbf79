package reprl

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/googleprojectzero/fuzzilli/internal/datachannel"
)

// spawnLocked forks and execs the target, wiring up the control pipes and
// data channels at their fixed descriptor numbers, and performs the HELO
// handshake. Callers hold c.mu.
func (c *Context) spawnLocked() error {
	for _, ch := range []*datachannel.Channel{c.script, c.output, c.stdout, c.stderr} {
		if ch == nil {
			continue
		}
		if err := ch.EnsureSize(); err != nil {
			return fmt.Errorf("%w: %v", ErrDataChannel, err)
		}
	}
	for _, ch := range c.additional {
		if err := ch.EnsureSize(); err != nil {
			return fmt.Errorf("%w: %v", ErrDataChannel, err)
		}
	}

	// Control pipe child -> parent (the child's CTRL_OUT, our ctrlRead).
	crRead, crWrite, err := newPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControlChannel, err)
	}
	// Control pipe parent -> child (the child's CTRL_IN, our ctrlWrite).
	cwRead, cwWrite, err := newPipe()
	if err != nil {
		crRead.Close()
		crWrite.Close()
		return fmt.Errorf("%w: %v", ErrControlChannel, err)
	}

	files, cleanup, err := buildChildFiles(cwRead, crWrite, c)
	if err != nil {
		crRead.Close()
		crWrite.Close()
		cwRead.Close()
		cwWrite.Close()
		return fmt.Errorf("%w: %v", ErrControlChannel, err)
	}
	defer cleanup()

	pid, err := syscall.ForkExec(c.argv[0], c.argv, &syscall.ProcAttr{
		Env:   c.envp,
		Files: files,
	})

	// These descriptors were only needed in the child; the kernel gave the
	// forked child its own dup of each, so the parent's copies are closed
	// immediately regardless of whether exec succeeded.
	cwRead.Close()
	crWrite.Close()

	if err != nil {
		cwWrite.Close()
		crRead.Close()
		return fmt.Errorf("reprl: fork/exec %s: %w", c.argv[0], err)
	}

	c.pid = pid
	c.running = true
	c.ctrlRead = crRead
	c.ctrlWrite = cwWrite

	return c.performHandshakeLocked()
}

func (c *Context) performHandshakeLocked() error {
	helo := make([]byte, 4)
	if n, err := readFull(c.ctrlRead, helo); err != nil || n != 4 {
		c.terminateChildLocked()
		return fmt.Errorf("%w: did not receive HELO from child", ErrControlChannel)
	}
	if string(helo) != "HELO" {
		c.terminateChildLocked()
		return fmt.Errorf("%w: invalid HELO message %q", ErrControlChannel, helo)
	}
	if _, err := c.ctrlWrite.Write(helo); err != nil {
		c.terminateChildLocked()
		return fmt.Errorf("%w: failed to send HELO reply", ErrControlChannel)
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

func newPipe() (read, write *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "reprl-ctrl-r"), os.NewFile(uintptr(fds[1]), "reprl-ctrl-w"), nil
}

// buildChildFiles assembles the ProcAttr.Files table: index i becomes the
// child's fd i. Indices 3-99 have no meaning in the protocol but Go's
// ForkExec requires a contiguous table, so they are all filled with one
// shared /dev/null descriptor; the real channels land at the fixed indices
// 100-103, plus any additional channels registered via
// CreateAdditionalChannel at whatever fd the caller chose — the table is
// widened past fileTableSize when one of those runs higher.
func buildChildFiles(ctrlInR, ctrlOutW *os.File, c *Context) ([]uintptr, func(), error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	size := fileTableSize
	for fd := range c.additional {
		if fd+1 > size {
			size = fd + 1
		}
	}

	files := make([]uintptr, size)
	for i := range files {
		files[i] = devnull.Fd()
	}

	if c.stdout != nil {
		files[1] = uintptr(c.stdout.Fd())
	}
	if c.stderr != nil {
		files[2] = uintptr(c.stderr.Fd())
	}
	files[childCtrlIn] = ctrlInR.Fd()
	files[childCtrlOut] = ctrlOutW.Fd()
	files[childDataIn] = uintptr(c.script.Fd())
	files[childDataOut] = uintptr(c.output.Fd())
	for fd, ch := range c.additional {
		files[fd] = uintptr(ch.Fd())
	}

	return files, func() { devnull.Close() }, nil
}
