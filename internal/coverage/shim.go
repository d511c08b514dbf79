package coverage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ShmIDEnvVar is the environment variable the parent uses to tell a child
// process which shared-memory region to attach to.
const ShmIDEnvVar = "SHM_ID"

// ShimState is the child-side singleton the coverage instrumentation
// callback attaches to. A real instrumented interpreter has no user-data
// pointer available to its guard-init callback, so this state is
// necessarily a process-global; the guard is that Init may only run once,
// enforced explicitly rather than left as an implicit assumption.
//
// This package does not implement the instrumentation pass itself (out of
// scope per spec: the compiler/sanitizer inserts the guard calls) — only
// the runtime contract the generated calls rely on.
type ShimState struct {
	mu sync.Mutex

	initialized bool
	start, stop uintptr

	shmFile *os.File
	mapping []byte // nil if SHM_ID was unset: edges recorded locally only
	edges   []byte // view into mapping (or a local buffer) past the header

	numEdges uint32
	guards   []uint32 // values 1..N handed out to [start, stop)
}

// Init records the [start, stop) guard range on the first call. A second
// call with a different range is a single-module-only violation and is
// rejected with an error, matching the source's assumption that only one
// compilation unit registers guards.
func (s *ShimState) Init(start, stop uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		if s.start != start || s.stop != stop {
			return fmt.Errorf("coverage: guard re-init with a different range (single-module only)")
		}
		return nil
	}

	s.start = start
	s.stop = stop

	numGuards := uint64(stop-start) / guardSize
	s.numEdges = uint32(numGuards)
	s.guards = make([]uint32, numGuards)
	s.assignGuards()

	if key := os.Getenv(ShmIDEnvVar); key != "" {
		f, err := os.OpenFile("/dev/shm/"+key, os.O_RDWR, 0600)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSharedMemory, err)
		}
		mapping, err := unix.Mmap(int(f.Fd()), 0, DefaultShmSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", ErrSharedMemory, err)
		}
		s.shmFile = f
		s.mapping = mapping
		s.edges = mapping[EdgesOffset():]
		writeNumEdges(s.mapping, s.numEdges)
	} else {
		// No shared region: allocate a local buffer so guard trips still
		// have somewhere to write, but nothing is visible to a parent.
		s.edges = make([]byte, bitmapSize(s.numEdges))
	}

	s.initialized = true
	return nil
}

// guardSize is sizeof(uint32), the width of one sanitizer-coverage guard.
const guardSize = 4

// assignGuards assigns sequential values 1..N to the guard table, skipping
// 0 (reserved). Called at init and again by Reset between executions so
// edges re-trip and re-register after the parent clears the live bitmap.
func (s *ShimState) assignGuards() {
	for i := range s.guards {
		s.guards[i] = uint32(i + 1)
	}
}

// Reset reassigns guard values 1..N. The live bitmap itself is cleared by
// the parent via Context.ClearBitmap, not here.
func (s *ShimState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignGuards()
}

// Trip is what the instrumentation calls on every edge execution, passing
// the address of that edge's guard slot. If the guard is still nonzero it
// sets the corresponding bit and clears the guard so later trips in the
// same reset cycle are free. A benign race between threads tripping the
// same guard is tolerated: edge 0 is always ignored, so a thread that
// observes a guard another thread just cleared simply no-ops.
func (s *ShimState) Trip(guardIndex int) {
	if guardIndex < 0 || guardIndex >= len(s.guards) {
		return
	}
	index := s.guards[guardIndex]
	if index == 0 {
		return
	}
	setEdgeBit(s.edges, uint64(index))
	s.guards[guardIndex] = 0
}

// NumEdges returns the number of guards assigned on Init.
func (s *ShimState) NumEdges() uint32 {
	return s.numEdges
}

// Close releases the mapped region, if any.
func (s *ShimState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.mapping != nil {
		err = unix.Munmap(s.mapping)
		s.mapping = nil
	}
	if s.shmFile != nil {
		if cerr := s.shmFile.Close(); err == nil {
			err = cerr
		}
		s.shmFile = nil
	}
	return err
}

func writeNumEdges(shmem []byte, n uint32) {
	shmem[0] = byte(n)
	shmem[1] = byte(n >> 8)
	shmem[2] = byte(n >> 16)
	shmem[3] = byte(n >> 24)
}
