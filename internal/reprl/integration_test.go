package reprl_test

import (
	"os"
	"testing"
	"time"

	"github.com/googleprojectzero/fuzzilli/internal/coverage"
	"github.com/googleprojectzero/fuzzilli/internal/reprl"
)

// testTargetPath locates a prebuilt cmd/testchild binary via an environment
// variable set by the caller (e.g. `go build -o $bin ./cmd/testchild`
// before `HARNESS_TEST_TARGET=$bin go test ./...`). Building it here would
// mean invoking the Go toolchain from within a test, which this repo avoids
// entirely, so the test degrades to a skip when the variable is unset.
func testTargetPath(t *testing.T) string {
	t.Helper()
	path := os.Getenv("HARNESS_TEST_TARGET")
	if path == "" {
		t.Skip("HARNESS_TEST_TARGET not set; build cmd/testchild and set it to run this test")
	}
	return path
}

func TestExecuteAgainstTestChild(t *testing.T) {
	bin := testTargetPath(t)

	cov := coverage.NewContext(0, coverage.DefaultShmSize)
	if err := cov.Initialize(); err != nil {
		t.Fatalf("coverage.Initialize: %v", err)
	}
	defer cov.Shutdown()

	child := reprl.NewContext()
	env := append(os.Environ(), "SHM_ID="+cov.ShmKey())
	if err := child.Initialize([]string{bin}, env, true, true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer child.Destroy()

	status, _, err := child.Execute([]byte("trip:3,5,9;print:hello"), time.Second, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !status.IsExited() || status.ExitStatus() != 0 {
		t.Fatalf("status = %#x, want a clean exit", status)
	}

	if !cov.Finalized() {
		if err := cov.FinishInitialization(false); err != nil {
			t.Fatalf("FinishInitialization: %v", err)
		}
	}
	eval := cov.Evaluate()
	if len(eval.NewEdges) == 0 {
		t.Fatal("expected at least one new edge from the first execution")
	}

	out, err := child.FetchFuzzout()
	if err != nil {
		t.Fatalf("FetchFuzzout: %v", err)
	}
	if out != "hello\n" {
		t.Fatalf("fuzzout = %q, want %q", out, "hello\n")
	}
}

func TestExecuteCrashIsRecovered(t *testing.T) {
	bin := testTargetPath(t)

	cov := coverage.NewContext(1, coverage.DefaultShmSize)
	if err := cov.Initialize(); err != nil {
		t.Fatalf("coverage.Initialize: %v", err)
	}
	defer cov.Shutdown()

	child := reprl.NewContext()
	env := append(os.Environ(), "SHM_ID="+cov.ShmKey())
	if err := child.Initialize([]string{bin}, env, false, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer child.Destroy()

	status, _, err := child.Execute([]byte("crash"), time.Second, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !status.IsSignaled() {
		t.Fatalf("status = %#x, want signaled", status)
	}
}

func TestExecuteTimeout(t *testing.T) {
	bin := testTargetPath(t)

	cov := coverage.NewContext(2, coverage.DefaultShmSize)
	if err := cov.Initialize(); err != nil {
		t.Fatalf("coverage.Initialize: %v", err)
	}
	defer cov.Shutdown()

	child := reprl.NewContext()
	env := append(os.Environ(), "SHM_ID="+cov.ShmKey())
	if err := child.Initialize([]string{bin}, env, false, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer child.Destroy()

	status, _, err := child.Execute([]byte("hang"), 100*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !status.IsTimedOut() {
		t.Fatalf("status = %#x, want timed out", status)
	}
}
