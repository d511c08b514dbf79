// Command testchild is a minimal stand-in "instrumented interpreter": it
// speaks the REPRL wire protocol and the coverage shim's shared-memory
// contract well enough to exercise internal/reprl and internal/coverage
// end-to-end without needing a real scripting-language build. It is a test
// fixture, not a shipped binary.
//
// Scripts are tiny directives rather than real source:
//
//	trip:3,7     trips guard indices 3 and 7, then exits 0
//	crash        raises SIGSEGV
//	exit:N       exits with status N
//	hang         sleeps past any reasonable timeout
//	print:hello  writes "hello" to the fuzzout channel
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/googleprojectzero/fuzzilli/internal/coverage"
	"github.com/googleprojectzero/fuzzilli/internal/forkserver"
)

const (
	ctrlIn  = 100
	ctrlOut = 101
	dataIn  = 102
	dataOut = 103
)

// numGuards is large enough that every "trip:N" directive used in tests
// addresses a valid guard index.
const numGuards = 64

var guards [numGuards]uint32

func main() {
	// In forkserver mode, forkserver.Main only returns in the freshly
	// forked grandchild, which then falls through to a single-shot
	// execution below instead of the REPRL request loop. The script comes
	// either as a literal argv[2] (no data channels wired) or, if argv[2]
	// is omitted, from the data channel at fd 102 the same way REPRL
	// delivers one.
	if len(os.Args) > 1 && os.Args[1] == "-forkserver" {
		forkserver.Main()
		var script string
		if len(os.Args) > 2 {
			script = os.Args[2]
		} else {
			script = readForkserverDataChannel()
		}
		runSingleShot(script)
		return
	}

	ctrlR := os.NewFile(ctrlIn, "ctrl-in")
	ctrlW := os.NewFile(ctrlOut, "ctrl-out")
	scriptR := os.NewFile(dataIn, "data-in")
	fuzzoutW := os.NewFile(dataOut, "data-out")

	var shim coverage.ShimState
	start := uintptr(0)
	stop := uintptr(numGuards * 4)
	if err := shim.Init(start, stop); err != nil {
		fmt.Fprintf(os.Stderr, "testchild: shim init: %v\n", err)
		os.Exit(1)
	}

	if err := handshake(ctrlR, ctrlW); err != nil {
		fmt.Fprintf(os.Stderr, "testchild: handshake: %v\n", err)
		os.Exit(1)
	}

	for {
		script, err := readCommand(ctrlR, scriptR)
		if err != nil {
			os.Exit(0)
		}

		status := runDirectives(string(script), &shim, fuzzoutW)

		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(status))
		ctrlW.Write(buf[:])

		shim.Reset()
	}
}

func handshake(r, w *os.File) error {
	helo := make([]byte, 4)
	if _, err := r.Read(helo); err != nil {
		return err
	}
	if string(helo) != "HELO" {
		return fmt.Errorf("unexpected HELO %q", helo)
	}
	_, err := w.Write(helo)
	return err
}

func readCommand(ctrlR, scriptR *os.File) ([]byte, error) {
	cmd := make([]byte, 4)
	if n, err := ctrlR.Read(cmd); err != nil || n != 4 {
		return nil, fmt.Errorf("short command read")
	}
	if string(cmd) != "exec" {
		return nil, fmt.Errorf("unknown command %q", cmd)
	}

	var lenBuf [8]byte
	if n, err := ctrlR.Read(lenBuf[:]); err != nil || n != 8 {
		return nil, fmt.Errorf("short length read")
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])

	script := make([]byte, length)
	total := uint64(0)
	for total < length {
		n, err := scriptR.Read(script[total:])
		if err != nil {
			return nil, err
		}
		total += uint64(n)
	}
	return script, nil
}

// runDirectives interprets the tiny test-fixture script language and
// returns the status word with the exit code already shifted into bits
// 8-15, matching njs_fuzzilli.c's "(result & 0xff) << 8" convention for
// normal exits.
func runDirectives(script string, shim *coverage.ShimState, fuzzout *os.File) int {
	exitCode := 0

	for _, directive := range strings.Split(strings.TrimSpace(script), ";") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		name, arg, _ := strings.Cut(directive, ":")

		switch name {
		case "trip":
			for _, s := range strings.Split(arg, ",") {
				if idx, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					shim.Trip(idx)
				}
			}
		case "print":
			fmt.Fprintln(fuzzout, arg)
		case "exit":
			if n, err := strconv.Atoi(arg); err == nil {
				exitCode = n
			}
		case "crash":
			syscall.Kill(os.Getpid(), syscall.SIGSEGV)
		case "hang":
			time.Sleep(1 * time.Hour)
		}
	}

	return (exitCode & 0xff) << 8
}

// runSingleShot executes one forkserver-mode input. There are no REPRL
// control pipes here, so the result is reported purely through the
// process's own exit code or terminating signal, same as waitpid would see
// for any directly-forked target. Any "print:" directive output goes to
// the fd 103 data channel when one was wired, mirroring REPRL's fuzzout.
func runSingleShot(script string) {
	var shim coverage.ShimState
	shim.Init(0, numGuards*4)

	fuzzout := os.NewFile(forkserverDataOut, "data-out")
	if fuzzout == nil {
		fuzzout = os.Stdout
	}
	status := runDirectives(script, &shim, fuzzout)
	os.Exit((status >> 8) & 0xff)
}

const (
	forkserverDataIn  = 102
	forkserverDataOut = 103
)

// readForkserverDataChannel reads the script the parent copied into the
// fd 102 data channel before forking, the same way the REPRL path's
// readCommand reads its script off fd 102 after an "exec" command — except
// here there's no control pipe telling us the length, so it does a single
// read of at most 64 KiB and stops at the first NUL, matching
// FetchContent's NUL-terminated convention. A longer script is cut off at
// 64 KiB.
func readForkserverDataChannel() string {
	f := os.NewFile(forkserverDataIn, "data-in")
	if f == nil {
		return ""
	}
	buf := make([]byte, 64<<10)
	n, _ := f.Read(buf)
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:n])
}
