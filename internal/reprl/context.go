// Package reprl implements the parent side of the REPRL (read-eval-print-
// reset-loop) protocol: a long-lived instrumented child process that
// executes many scripts in sequence over a small set of well-known file
// descriptors, instead of paying fork/exec/dynamic-link cost per script.
package reprl

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/googleprojectzero/fuzzilli/internal/datachannel"
)

// Well-known descriptor numbers the child process finds its communication
// channels on. These are part of the wire contract with the target binary
// and must never change or be made configurable.
const (
	childCtrlIn  = 100
	childCtrlOut = 101
	childDataIn  = 102
	childDataOut = 103
)

// fileTableSize is one past the highest fixed descriptor, and therefore the
// length of the ProcAttr.Files slice handed to the child: Go's ForkExec
// treats slice index i as child fd i, with no way to mark a gap index as
// "leave closed", so every index below 100 that isn't stdin/stdout/stderr is
// filled with a harmless shared /dev/null descriptor.
const fileTableSize = childDataOut + 1

// ReserveDescriptors permanently occupies fds 100-103 in the calling process
// with /dev/null so that nothing else this process opens can ever collide
// with the REPRL child descriptor numbers before a fork. Safe to call more
// than once or from multiple goroutines; idempotent.
func ReserveDescriptors() error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reprl: reserve descriptors: %w", err)
	}
	defer devnull.Close()
	fd := int(devnull.Fd())
	for _, want := range []int{childCtrlIn, childCtrlOut, childDataIn, childDataOut} {
		if fd == want {
			continue
		}
		if err := unix.Dup2(fd, want); err != nil {
			return fmt.Errorf("reprl: reserve fd %d: %w", want, err)
		}
	}
	return nil
}

// Context drives one instrumented child process through repeated script
// executions. A Context is not safe for concurrent use by multiple
// goroutines; callers running several in parallel give each its own
// Context (see internal/harness, where each Worker owns one).
type Context struct {
	mu sync.Mutex

	initialized bool
	argv        []string
	envp        []string

	captureStdout bool
	captureStderr bool

	script *datachannel.Channel // parent writes script, child reads it (its DATA_IN)
	output *datachannel.Channel // child writes fuzzout, parent reads it (its DATA_OUT)
	stdout *datachannel.Channel // optional
	stderr *datachannel.Channel // optional

	// additional holds extra data channels registered via
	// CreateAdditionalChannel, keyed by the child descriptor number they're
	// inherited at. Nil until the first registration.
	additional map[int]*datachannel.Channel

	ctrlRead  *os.File // parent reads child's status from here
	ctrlWrite *os.File // parent writes commands to the child here

	pid     int
	running bool
}

// NewContext allocates an uninitialized context. Call Initialize before the
// first Execute.
func NewContext() *Context {
	return &Context{}
}

// Initialize allocates the data channels and records argv/envp for the
// target that will eventually be spawned. capture{Stdout,Stderr} decide
// whether the child's real stdout/stderr streams are additionally routed to
// their own data channels (fetchable via FetchStdout/FetchStderr) or simply
// discarded to /dev/null.
func (c *Context) Initialize(argv, envp []string, captureStdout, captureStderr bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	if err := ReserveDescriptors(); err != nil {
		return err
	}

	c.argv = append([]string(nil), argv...)
	c.envp = append([]string(nil), envp...)
	c.captureStdout = captureStdout
	c.captureStderr = captureStderr

	var err error
	if c.script, err = datachannel.New(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataChannel, err)
	}
	if c.output, err = datachannel.New(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataChannel, err)
	}
	if captureStdout {
		if c.stdout, err = datachannel.New(); err != nil {
			return fmt.Errorf("%w: %v", ErrDataChannel, err)
		}
	}
	if captureStderr {
		if c.stderr, err = datachannel.New(); err != nil {
			return fmt.Errorf("%w: %v", ErrDataChannel, err)
		}
	}

	c.initialized = true
	return nil
}

// CreateAdditionalChannel allocates a new data channel and arranges for it
// to be inherited by the child at descriptor fd on its next spawn,
// generalizing FetchFuzzout/FetchStdout/FetchStderr to an arbitrary
// caller-chosen fd instead of the three fixed ones. fd must not collide
// with stdin/stdout/stderr or the fixed REPRL descriptors (100-103) and
// must not already be registered. Takes effect starting with the next
// spawned child; it does not retroactively wire into an already-running
// one.
func (c *Context) CreateAdditionalChannel(fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case fd == 0, fd == 1, fd == 2:
		return fmt.Errorf("reprl: fd %d is reserved for stdio", fd)
	case fd >= childCtrlIn && fd <= childDataOut:
		return fmt.Errorf("reprl: fd %d is reserved for the REPRL control/data channels", fd)
	}
	if _, exists := c.additional[fd]; exists {
		return fmt.Errorf("reprl: additional channel fd %d already registered", fd)
	}

	ch, err := datachannel.New()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataChannel, err)
	}
	if c.additional == nil {
		c.additional = make(map[int]*datachannel.Channel)
	}
	c.additional[fd] = ch
	return nil
}

// Destroy terminates any running child and releases every resource the
// context owns. The context must not be used afterwards.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.terminateChildLocked()

	for _, ch := range []*datachannel.Channel{c.script, c.output, c.stdout, c.stderr} {
		if ch != nil {
			ch.Close()
		}
	}
	for _, ch := range c.additional {
		ch.Close()
	}
}

func (c *Context) terminateChildLocked() {
	if !c.running {
		return
	}
	proc, err := os.FindProcess(c.pid)
	if err == nil {
		proc.Kill()
		proc.Wait()
	}
	c.childTerminatedLocked()
}

func (c *Context) childTerminatedLocked() {
	if !c.running {
		return
	}
	c.running = false
	c.ctrlRead.Close()
	c.ctrlWrite.Close()
	c.ctrlRead = nil
	c.ctrlWrite = nil
	c.pid = 0
}

// Execute runs script through the child process, spawning one first if none
// is currently alive. If freshInstance is true any existing child is killed
// and replaced before running the script, trading away REPRL's speed
// advantage for full process isolation on that one execution. It returns the
// synthesized exit Status and the wall-clock execution time.
func (c *Context) Execute(script []byte, timeout time.Duration, freshInstance bool) (Status, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, 0, ErrNotInitialized
	}
	if len(script) > datachannel.MaxSize {
		return 0, 0, ErrScriptTooLarge
	}

	if freshInstance && c.running {
		c.terminateChildLocked()
	}

	for _, ch := range []*datachannel.Channel{c.script, c.output, c.stdout, c.stderr} {
		if ch != nil {
			if err := ch.Rewind(); err != nil {
				return 0, 0, fmt.Errorf("%w: %v", ErrDataChannel, err)
			}
		}
	}
	for _, ch := range c.additional {
		if err := ch.Rewind(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrDataChannel, err)
		}
	}

	if !c.running {
		if err := c.spawnLocked(); err != nil {
			return 0, 0, err
		}
	}

	copy(c.script.Mapping(), script)

	if err := c.sendCommandLocked(uint64(len(script))); err != nil {
		return 0, 0, err
	}

	return c.waitForResultLocked(timeout)
}

func (c *Context) sendCommandLocked(scriptLength uint64) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], scriptLength)

	if _, err := c.ctrlWrite.Write([]byte("exec")); err != nil {
		return c.diagnoseBrokenPipeLocked(err)
	}
	if _, err := c.ctrlWrite.Write(lenBuf[:]); err != nil {
		return c.diagnoseBrokenPipeLocked(err)
	}
	return nil
}

// diagnoseBrokenPipeLocked is called when a write to the control channel
// fails. A write failure almost always means the child already died between
// executions (rather than during the one we're about to send), so check for
// that to give a more useful error than a bare EPIPE.
func (c *Context) diagnoseBrokenPipeLocked(writeErr error) error {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(c.pid, &ws, syscall.WNOHANG, nil)
	if err == nil && pid == c.pid {
		c.childTerminatedLocked()
		return &unexpectedExitError{status: statusFromWaitStatus(ws)}
	}
	return fmt.Errorf("%w: %v", ErrControlChannel, writeErr)
}

func statusFromWaitStatus(ws syscall.WaitStatus) Status {
	if ws.Signaled() {
		return statusFromSignal(int(ws.Signal()))
	}
	return statusFromExitCode(ws.ExitStatus())
}
