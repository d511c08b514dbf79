package forkserver_test

import (
	"os"
	"testing"
	"time"

	"github.com/googleprojectzero/fuzzilli/internal/forkserver"
)

// testTargetPath mirrors internal/reprl's integration test: this repo never
// invokes the Go toolchain from within a test, so a prebuilt cmd/testchild
// binary must be supplied via HARNESS_TEST_TARGET or the test is skipped.
func testTargetPath(t *testing.T) string {
	t.Helper()
	path := os.Getenv("HARNESS_TEST_TARGET")
	if path == "" {
		t.Skip("HARNESS_TEST_TARGET not set; build cmd/testchild and set it to run this test")
	}
	return path
}

func TestSpawnCleanExit(t *testing.T) {
	bin := testTargetPath(t)

	srv, err := forkserver.Spinup([]string{bin, "-forkserver", "print:hello"}, os.Environ(), false)
	if err != nil {
		t.Fatalf("Spinup: %v", err)
	}
	defer srv.Close()

	result, err := srv.Spawn(time.Second)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if result.Status != 0 {
		t.Fatalf("status = %#x, want a clean exit", result.Status)
	}
}

func TestSpawnTimeoutKillsGrandchild(t *testing.T) {
	bin := testTargetPath(t)

	srv, err := forkserver.Spinup([]string{bin, "-forkserver", "hang"}, os.Environ(), false)
	if err != nil {
		t.Fatalf("Spinup: %v", err)
	}
	defer srv.Close()

	result, err := srv.Spawn(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut to be set")
	}
}

func TestExecuteDeliversScriptOverDataChannel(t *testing.T) {
	bin := testTargetPath(t)

	srv, err := forkserver.Spinup([]string{bin, "-forkserver"}, os.Environ(), true)
	if err != nil {
		t.Fatalf("Spinup: %v", err)
	}
	defer srv.Close()

	result, err := srv.Execute([]byte("print:hello"), time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != 0 {
		t.Fatalf("status = %#x, want a clean exit", result.Status)
	}

	out, err := srv.FetchFuzzout()
	if err != nil {
		t.Fatalf("FetchFuzzout: %v", err)
	}
	if out != "hello\n" {
		t.Fatalf("fuzzout = %q, want %q", out, "hello\n")
	}
}
