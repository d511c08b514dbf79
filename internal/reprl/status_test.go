package reprl

import "testing"

func TestStatusExited(t *testing.T) {
	s := statusFromExitCode(7)
	if !s.IsExited() || s.IsSignaled() || s.IsTimedOut() {
		t.Fatalf("status %#x should report exited only", s)
	}
	if s.ExitStatus() != 7 {
		t.Fatalf("ExitStatus() = %d, want 7", s.ExitStatus())
	}
}

func TestStatusSignaled(t *testing.T) {
	s := statusFromSignal(11)
	if s.IsExited() || !s.IsSignaled() || s.IsTimedOut() {
		t.Fatalf("status %#x should report signaled only", s)
	}
	if s.TermSig() != 11 {
		t.Fatalf("TermSig() = %d, want 11", s.TermSig())
	}
}

func TestStatusTimedOut(t *testing.T) {
	s := TimeoutBit
	if s.IsExited() || s.IsSignaled() || !s.IsTimedOut() {
		t.Fatalf("status %#x should report timed out only", s)
	}
}

func TestReserveDescriptorsIdempotent(t *testing.T) {
	if err := ReserveDescriptors(); err != nil {
		t.Fatalf("ReserveDescriptors: %v", err)
	}
	if err := ReserveDescriptors(); err != nil {
		t.Fatalf("second ReserveDescriptors: %v", err)
	}
}

func TestExecuteBeforeInitialize(t *testing.T) {
	c := NewContext()
	if _, _, err := c.Execute([]byte("1;"), 0, false); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeTwice(t *testing.T) {
	c := NewContext()
	if err := c.Initialize([]string{"/bin/true"}, nil, false, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Destroy()
	if err := c.Initialize([]string{"/bin/true"}, nil, false, false); err != ErrAlreadyInitialized {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}
