package coverage

import (
	"os"
	"testing"
)

// newTestContext builds a finalized context with numEdges edges and no
// shared-memory file (tests poke the bitmaps directly), matching the shape
// Initialize/FinishInitialization would have produced.
func newTestContext(t *testing.T, numEdges uint32, track bool) *Context {
	t.Helper()
	c := &Context{ID: 0, shmSize: DefaultShmSize}
	c.shmem = make([]byte, DefaultShmSize)
	writeNumEdges(c.shmem, numEdges)
	c.initialized = true
	if err := c.FinishInitialization(track); err != nil {
		t.Fatalf("FinishInitialization: %v", err)
	}
	return c
}

func setLiveBits(c *Context, indices ...uint64) {
	live := c.liveBitmap()
	for i := range live {
		live[i] = 0
	}
	for _, idx := range indices {
		setEdgeBit(live, idx)
	}
}

func TestFinishInitializationZeroEdges(t *testing.T) {
	c := &Context{shmSize: DefaultShmSize, shmem: make([]byte, DefaultShmSize), initialized: true}
	if err := c.FinishInitialization(false); err != ErrNotInstrumented {
		t.Fatalf("expected ErrNotInstrumented, got %v", err)
	}
}

func TestFinishInitializationTooManyEdges(t *testing.T) {
	c := &Context{shmSize: DefaultShmSize, shmem: make([]byte, DefaultShmSize), initialized: true}
	writeNumEdges(c.shmem, uint32(MaxEdges(DefaultShmSize))+1)
	if err := c.FinishInitialization(false); err != ErrTooManyEdges {
		t.Fatalf("expected ErrTooManyEdges, got %v", err)
	}
}

func TestBitZeroAlwaysReserved(t *testing.T) {
	c := newTestContext(t, 16, true)
	if edgeBit(c.VirginBits, 0) != 0 {
		t.Fatal("bit 0 of virgin bitmap must be 0 after init")
	}
	if edgeBit(c.CrashBits, 0) != 0 {
		t.Fatal("bit 0 of crash bitmap must be 0 after init")
	}
	setLiveBits(c, 0, 3)
	c.Evaluate()
	if edgeBit(c.VirginBits, 0) != 0 {
		t.Fatal("bit 0 of virgin bitmap must remain 0 after Evaluate")
	}
	c.ResetState()
	if edgeBit(c.VirginBits, 0) != 0 || edgeBit(c.CrashBits, 0) != 0 {
		t.Fatal("bit 0 must remain 0 after ResetState")
	}
}

// S5 from the spec: 16 edges, two executions.
func TestEvaluateS5(t *testing.T) {
	c := newTestContext(t, 16, false)

	setLiveBits(c, 3, 5, 9)
	res := c.Evaluate()
	assertEdgeSet(t, res.NewEdges, 3, 5, 9)
	if c.FoundEdges != 3 {
		t.Fatalf("FoundEdges = %d, want 3", c.FoundEdges)
	}

	setLiveBits(c, 5, 7)
	res = c.Evaluate()
	assertEdgeSet(t, res.NewEdges, 7)
	if c.FoundEdges != 4 {
		t.Fatalf("FoundEdges = %d, want 4", c.FoundEdges)
	}
	if edgeBit(c.VirginBits, 5) != 0 {
		t.Fatal("virgin bit 5 should still be cleared from the first execution")
	}
}

func TestEvaluateClearEdgeDataRoundTrip(t *testing.T) {
	c := newTestContext(t, 16, true)

	setLiveBits(c, 3, 5)
	c.Evaluate()
	if edgeBit(c.VirginBits, 3) != 0 {
		t.Fatal("edge 3 should have been cleared from virgin")
	}
	countBefore := c.EdgeCount[3]

	if err := c.ClearEdgeData(3); err != nil {
		t.Fatalf("ClearEdgeData: %v", err)
	}
	if edgeBit(c.VirginBits, 3) != 1 {
		t.Fatal("ClearEdgeData should restore the virgin bit")
	}
	if c.EdgeCount[3] != 0 {
		t.Fatal("ClearEdgeData should zero the hit count")
	}
	if countBefore == 0 {
		t.Fatal("sanity: edge 3 should have had a nonzero count before clearing")
	}

	if err := c.ClearEdgeData(3); err != ErrEdgeNotNew {
		t.Fatalf("expected ErrEdgeNotNew on a virgin edge, got %v", err)
	}
}

func TestEdgeCountSumMatchesPopcount(t *testing.T) {
	c := newTestContext(t, 32, true)

	executions := [][]uint64{
		{1, 2, 3},
		{1, 4},
		{2, 3, 4, 5},
	}
	var wantSum uint64
	for _, bits := range executions {
		setLiveBits(c, bits...)
		c.Evaluate()
		wantSum += uint64(len(bits))
	}

	var gotSum uint64
	for _, n := range c.EdgeCount {
		gotSum += n
	}
	if gotSum != wantSum {
		t.Fatalf("sum(edge_count) = %d, want %d", gotSum, wantSum)
	}
}

func TestCompareEqual(t *testing.T) {
	c := newTestContext(t, 16, false)
	c.ClearBitmap()
	setLiveBits(c, 2, 4, 6)

	if !c.CompareEqual([]uint64{2, 4, 6}) {
		t.Fatal("expected CompareEqual to succeed on an exact subset")
	}
	if c.CompareEqual([]uint64{2, 4, 6, 8}) {
		t.Fatal("expected CompareEqual to fail when one bit is unset")
	}
}

// S6 from the spec.
func TestLeastVisitedEdgesS6(t *testing.T) {
	c := newTestContext(t, 7, true)
	counts := []uint64{0, 0, 5, 1, 3, 1, 10, 2}
	copy(c.EdgeCount, counts)

	got, err := c.LeastVisitedEdges(3, 10)
	if err != nil {
		t.Fatalf("LeastVisitedEdges: %v", err)
	}
	assertEdgeSet(t, got, 3, 5, 7)

	want := []uint64{0, 0, 5, 11, 3, 11, 10, 12}
	for i, w := range want {
		if c.EdgeCount[i] != w {
			t.Fatalf("edge_count[%d] = %d, want %d", i, c.EdgeCount[i], w)
		}
	}
}

func TestLeastVisitedEdgesRequiresTracking(t *testing.T) {
	c := newTestContext(t, 16, false)
	if _, err := c.LeastVisitedEdges(1, 1); err != ErrTrackingDisabled {
		t.Fatalf("expected ErrTrackingDisabled, got %v", err)
	}
}

func TestLeastVisitedEdgesZeroDesired(t *testing.T) {
	c := newTestContext(t, 16, true)
	if _, err := c.LeastVisitedEdges(0, 1); err != ErrNoDesiredEdges {
		t.Fatalf("expected ErrNoDesiredEdges, got %v", err)
	}
}

func TestShimTripAndReset(t *testing.T) {
	var s ShimState
	os.Unsetenv(ShmIDEnvVar)
	if err := s.Init(0, 16*guardSize); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s.NumEdges() != 16 {
		t.Fatalf("NumEdges = %d, want 16", s.NumEdges())
	}

	s.Trip(3)
	if edgeBit(s.edges, 4) != 1 {
		t.Fatal("tripping guard index 3 should set edge bit 4 (one-based guard values)")
	}
	if s.guards[3] != 0 {
		t.Fatal("guard should be cleared after tripping")
	}

	s.Trip(3) // no-op: guard already cleared
	s.Reset()
	if s.guards[3] != 4 {
		t.Fatalf("Reset should reassign guard values 1..N, got %d", s.guards[3])
	}
}

func assertEdgeSet(t *testing.T, got []uint64, want ...uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	seen := make(map[uint64]bool, len(got))
	for _, g := range got {
		seen[g] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Fatalf("got %v, want %v (missing %d)", got, want, w)
		}
	}
}
