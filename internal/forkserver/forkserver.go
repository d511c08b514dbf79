// Package forkserver implements the parent side of the forkserver protocol:
// a small supervisor process, linked into (or wrapping) the target, that
// forks a fresh child for every input instead of paying a full exec for
// each one. It trades REPRL's in-process speed for compatibility with
// targets that can't safely reset their own state between executions.
package forkserver

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/googleprojectzero/fuzzilli/internal/datachannel"
	"github.com/googleprojectzero/fuzzilli/internal/memory"
)

// Well-known descriptor numbers the forkserver-enabled child binds its
// communication channels to. 1337 would collide too easily with a process's
// own fd usage, so the protocol picks a quieter, still-memorable base.
const (
	baseFD  = 137
	rfd     = baseFD     // fuzzer -> forkserver (the forkserver reads here)
	wfd     = baseFD + 1 // forkserver -> fuzzer (the forkserver writes here)
	outfd   = baseFD + 2 // fuzzee stdout/stderr -> fuzzer

	// dataInFD/dataOutFD reuse REPRL's own fixed descriptors: spec.md §4.4
	// treats the data channel as shared infrastructure between both
	// execution models, so a target's fuzzout-reporting code doesn't need
	// to know which model launched it.
	dataInFD  = 102
	dataOutFD = 103

	fileTableSize = outfd + 1
)

// initialOutputBufSize and the 2x growth factor below mirror the source's
// fetch_output: start small, double whenever a read fills the buffer.
const initialOutputBufSize = 0x1000

// outputBufPool recycles the draining buffer fetchOutput fills on every
// Spawn, rather than allocating and discarding one per execution. A grown
// (doubled) buffer whose capacity no longer matches one of the pool's fixed
// bucket sizes is simply not returned to the pool — see ByteSlicePool.Put.
var outputBufPool = memory.NewByteSlicePool()

// Server holds the pipe endpoints the parent uses to talk to a running
// forkserver supervisor process.
type Server struct {
	r   *os.File // read: forkserver -> parent
	w   *os.File // write: parent -> forkserver
	out *os.File // read: child's redirected stdout/stderr, non-blocking
	pid int

	// script/output are optional: only set when the caller wants data-
	// channel based script delivery instead of a target that reads its
	// input some other way (argv, stdin, its own shim). Shared across
	// every fork the supervisor performs, since the mapping is visible to
	// each grandchild the instant it's written, no per-fork setup needed.
	script *datachannel.Channel
	output *datachannel.Channel
}

// reserveFDs occupies 102-103 and 137-139 with /dev/null once per process,
// exactly as spinup_forkserver's fcntl(FD, F_GETFD) guard does, so that
// pipes opened moments later can never land on those numbers before the
// fork.
func reserveFDs() error {
	if _, err := unix.FcntlInt(uintptr(rfd), unix.F_GETFD, 0); err == nil {
		return nil // already occupied
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()
	fd := int(devnull.Fd())
	for _, want := range []int{dataInFD, dataOutFD, rfd, wfd, outfd} {
		if fd == want {
			continue
		}
		if err := unix.Dup2(fd, want); err != nil {
			return err
		}
	}
	return nil
}

// Spinup starts a new forkserver-enabled target process and performs the
// startup handshake with it. argv[0] is the target binary. When
// withDataChannels is true, a REPRL-shaped pair of data channels is also
// created and inherited at fds 102/103, so Execute can deliver a script the
// same way reprl.Context does instead of relying on the target to source
// its input some other way.
func Spinup(argv, envp []string, withDataChannels bool) (*Server, error) {
	if err := reserveFDs(); err != nil {
		return nil, fmt.Errorf("forkserver: reserve fds: %w", err)
	}

	rRead, rWrite, err := pipe2()
	if err != nil {
		return nil, fmt.Errorf("forkserver: pipe: %w", err)
	}
	wRead, wWrite, err := pipe2()
	if err != nil {
		rRead.Close()
		rWrite.Close()
		return nil, fmt.Errorf("forkserver: pipe: %w", err)
	}
	outRead, outWrite, err := pipe2()
	if err != nil {
		rRead.Close()
		rWrite.Close()
		wRead.Close()
		wWrite.Close()
		return nil, fmt.Errorf("forkserver: pipe: %w", err)
	}

	if err := unix.SetNonblock(int(outRead.Fd()), true); err != nil {
		return nil, fmt.Errorf("forkserver: set nonblocking: %w", err)
	}

	var script, output *datachannel.Channel
	if withDataChannels {
		if script, err = datachannel.New(); err != nil {
			rRead.Close()
			rWrite.Close()
			wRead.Close()
			wWrite.Close()
			outRead.Close()
			outWrite.Close()
			return nil, fmt.Errorf("forkserver: %w", err)
		}
		if output, err = datachannel.New(); err != nil {
			script.Close()
			rRead.Close()
			rWrite.Close()
			wRead.Close()
			wWrite.Close()
			outRead.Close()
			outWrite.Close()
			return nil, fmt.Errorf("forkserver: %w", err)
		}
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("forkserver: open devnull: %w", err)
	}
	defer devnull.Close()

	files := make([]uintptr, fileTableSize)
	for i := range files {
		files[i] = devnull.Fd()
	}
	files[rfd] = wRead.Fd()
	files[wfd] = rWrite.Fd()
	files[outfd] = outWrite.Fd()
	if withDataChannels {
		files[dataInFD] = uintptr(script.Fd())
		files[dataOutFD] = uintptr(output.Fd())
	}

	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Env:   envp,
		Files: files,
	})

	wRead.Close()
	rWrite.Close()
	outWrite.Close()

	if err != nil {
		rRead.Close()
		wWrite.Close()
		outRead.Close()
		if script != nil {
			script.Close()
			output.Close()
		}
		return nil, fmt.Errorf("forkserver: fork/exec %s: %w", argv[0], err)
	}

	srv := &Server{r: rRead, w: wWrite, out: outRead, pid: pid, script: script, output: output}

	var helo [4]byte
	if _, err := srv.r.Read(helo[:]); err != nil {
		srv.Close()
		return nil, fmt.Errorf("forkserver: handshake read: %w", err)
	}
	if _, err := srv.w.Write(helo[:]); err != nil {
		srv.Close()
		return nil, fmt.Errorf("forkserver: handshake write: %w", err)
	}

	return srv, nil
}

// SpawnResult is the outcome of one fork-and-wait cycle.
type SpawnResult struct {
	Status      int32
	PID         int32
	TimedOut    bool
	ExecTime    time.Duration
	Output      string
	OutputBytes int
}

// Spawn asks the running forkserver to fork a fresh child, waits up to
// timeout for it to finish, and collects the combined stdout/stderr it
// produced. A child that doesn't finish in time is killed; TimedOut is set
// on the result instead of trusting the raw (SIGKILL) wait status, since a
// killed-for-timeout child and a child that happened to be sent SIGKILL are
// otherwise indistinguishable.
func (s *Server) Spawn(timeout time.Duration) (SpawnResult, error) {
	start := time.Now()

	if _, err := s.w.Write([]byte("fork")); err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: send fork command: %w", err)
	}

	var pidBuf [4]byte
	if _, err := s.r.Read(pidBuf[:]); err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: read child pid: %w", err)
	}
	pid := int32(binary.LittleEndian.Uint32(pidBuf[:]))

	pfd := []unix.PollFd{{Fd: int32(s.r.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: poll: %w", err)
	}
	timedOut := n == 0
	if timedOut {
		syscall.Kill(int(pid), syscall.SIGKILL)
	}

	var statusBuf [4]byte
	if _, err := s.r.Read(statusBuf[:]); err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: read status: %w", err)
	}
	status := int32(binary.LittleEndian.Uint32(statusBuf[:]))

	output, outLen := s.fetchOutput()

	return SpawnResult{
		Status:      status,
		PID:         pid,
		TimedOut:    timedOut,
		ExecTime:    time.Since(start),
		Output:      output,
		OutputBytes: outLen,
	}, nil
}

// Execute delivers script through the data channels created by
// Spinup(..., true) and then runs one fork-and-wait cycle. It is a caller
// convenience wrapping Rewind+copy+Spawn in the same order REPRL's Execute
// uses: script payload first, then the signal to run it.
func (s *Server) Execute(script []byte, timeout time.Duration) (SpawnResult, error) {
	if s.script == nil {
		return SpawnResult{}, fmt.Errorf("forkserver: server was not started with data channels")
	}
	if len(script) > datachannel.MaxSize {
		return SpawnResult{}, fmt.Errorf("forkserver: script exceeds %d bytes", datachannel.MaxSize)
	}
	if err := s.script.Rewind(); err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: %w", err)
	}
	if err := s.output.Rewind(); err != nil {
		return SpawnResult{}, fmt.Errorf("forkserver: %w", err)
	}
	copy(s.script.Mapping(), script)

	return s.Spawn(timeout)
}

// FetchFuzzout returns the content the grandchild wrote to its data-channel
// output, as opposed to Output on SpawnResult which is its raw
// stdout/stderr.
func (s *Server) FetchFuzzout() (string, error) {
	if s.output == nil {
		return "", fmt.Errorf("forkserver: server was not started with data channels")
	}
	return s.output.FetchContent()
}

// fetchOutput drains whatever is currently available on the non-blocking
// output pipe, growing the buffer by doubling whenever a read fills it —
// the read size itself doubles along with the buffer, matching fetch_output
// in forkserver.c rather than settling for a fixed per-Read chunk size. The
// initial backing slice comes from outputBufPool (recycled across Spawn
// calls) so a clean run doesn't allocate a fresh array on every execution.
func (s *Server) fetchOutput() (string, int) {
	buf := outputBufPool.Get(initialOutputBufSize)
	total := 0

	for {
		if total == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf)
			buf = grown
		}
		n, err := s.out.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil || n <= 0 {
			break
		}
	}

	out := string(buf[:total])
	outputBufPool.Put(buf)
	return out, total
}

// Close terminates the forkserver supervisor and releases its pipes.
func (s *Server) Close() error {
	if s.pid != 0 {
		syscall.Kill(s.pid, syscall.SIGKILL)
		var ws syscall.WaitStatus
		syscall.Wait4(s.pid, &ws, 0, nil)
		s.pid = 0
	}
	s.r.Close()
	s.w.Close()
	s.out.Close()
	if s.script != nil {
		s.script.Close()
		s.output.Close()
	}
	return nil
}

func pipe2() (read, write *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "forkserver-pipe-r"), os.NewFile(uintptr(fds[1]), "forkserver-pipe-w"), nil
}

// Main implements the child-side supervisor loop from Misc/Forkserver's
// forkserver(): it performs the startup handshake on fds 137/138, then
// blocks reading a 4-byte token for every input the parent wants executed.
// On each token it forks: the new process is handed back to the caller via
// a normal return so the target's own startup can proceed, while this
// process (the supervisor) reports the child's pid and wait status back to
// the parent and loops for the next token. EOF on fd 137 means the parent
// is done, and Main exits the process with status 0 instead of returning.
//
// Main never returns in the supervisor — only in the forked child — and
// must be called before the Go runtime has started any other goroutines or
// OS threads: fork() without a following exec only duplicates the calling
// thread, so any other thread the runtime had already spun up (GC workers,
// the sysmon thread, timers) simply does not exist in the child, and the
// runtime left behind is not in a state a multi-threaded program can trust.
func Main() {
	if err := writeFD(wfd, []byte("HELO")); err != nil {
		fmt.Fprintln(os.Stderr, "forkserver: failed to communicate with parent")
	}
	reply := make([]byte, 4)
	if err := readFullFD(rfd, reply); err != nil {
		fmt.Fprintln(os.Stderr, "forkserver: failed to communicate with parent")
		os.Exit(-1)
	}
	if string(reply) != "HELO" {
		fmt.Fprintln(os.Stderr, "forkserver: invalid response from parent")
		os.Exit(-1)
	}

	for {
		var token [4]byte
		n, err := syscall.Read(rfd, token[:])
		if n == 0 {
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "forkserver: failed to communicate with parent")
			os.Exit(-1)
		}

		pid, _, errno := syscall.RawSyscall(syscall.SYS_FORK, 0, 0, 0)
		if errno != 0 {
			fmt.Fprintln(os.Stderr, "forkserver: failed to fork")
			os.Exit(-1)
		}
		if pid == 0 {
			syscall.Close(rfd)
			syscall.Close(wfd)
			return
		}

		pidBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(pidBuf, uint32(pid))
		if err := writeFD(wfd, pidBuf); err != nil {
			os.Exit(-1)
		}

		var ws syscall.WaitStatus
		syscall.Wait4(int(pid), &ws, 0, nil)

		statusBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(statusBuf, uint32(ws))
		if err := writeFD(wfd, statusBuf); err != nil {
			os.Exit(-1)
		}
	}
}

func writeFD(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := syscall.Write(fd, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFullFD(fd int, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := syscall.Read(fd, buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("forkserver: eof from parent")
		}
		total += n
	}
	return nil
}
