package coverage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Context is the parent-side owner of one coverage session's shared memory
// region and the virgin/crash bitmaps derived from it. The id disambiguates
// multiple contexts running in the same process (it is folded into the
// shared-memory key so concurrent harness instances don't collide).
type Context struct {
	ID int

	shmKey  string
	shmFile *os.File
	shmem   []byte // mmap'd region: 4-byte num_edges header + edges bitmap
	shmSize int

	NumEdges   uint32
	BitmapSize uint64
	FoundEdges uint64

	VirginBits []byte
	CrashBits  []byte
	EdgeCount  []uint64 // nil unless tracking is enabled

	trackEdges  bool
	initialized bool
	finalized   bool

	mu sync.Mutex
}

// NewContext allocates an uninitialized coverage context with the given
// disambiguating id and shared-memory region size (DefaultShmSize if zero).
func NewContext(id int, shmSize int) *Context {
	if shmSize <= 0 {
		shmSize = DefaultShmSize
	}
	return &Context{ID: id, shmSize: shmSize}
}

// ShmKey returns the shared-memory name the child must be told about (via
// the SHM_ID environment variable) once Initialize has run.
func (c *Context) ShmKey() string {
	return c.shmKey
}

// Initialize creates the shared-memory region backing this context and maps
// it into the parent. The region's key is derived from (pid, id) per
// spec: "shm_id_<pid>_<ctx_id>". On Linux the region lives under /dev/shm,
// the same namespace POSIX shm_open uses.
func (c *Context) Initialize() error {
	c.shmKey = fmt.Sprintf("shm_id_%d_%d", os.Getpid(), c.ID)

	f, err := os.OpenFile("/dev/shm/"+c.shmKey, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSharedMemory, err)
	}
	if err := f.Truncate(int64(c.shmSize)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("%w: %v", ErrSharedMemory, err)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, c.shmSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("%w: %v", ErrSharedMemory, err)
	}

	// Zero the header fields the parent owns. The edges bitmap itself and
	// num_edges are written by the child's instrumentation shim on startup.
	for i := 0; i < shmHeaderSize; i++ {
		mapping[i] = 0
	}

	c.shmFile = f
	c.shmem = mapping
	c.initialized = true
	return nil
}

// FinishInitialization is called once the child has populated num_edges in
// the shared header. It allocates the virgin/crash bitmaps (all bits one,
// bit 0 cleared) and, if trackEdges is set, the per-edge hit-count array.
func (c *Context) FinishInitialization(trackEdges bool) error {
	if !c.initialized {
		return ErrNotFinalized
	}

	numEdges := readNumEdges(c.shmem)
	if numEdges == 0 {
		return ErrNotInstrumented
	}

	// Sanitizer coverage guards are one-based (guard value 0 is reserved),
	// so the edge space is actually [0, numEdges] inclusive.
	totalEdges := numEdges + 1
	if uint64(totalEdges) > MaxEdges(c.shmSize) {
		return ErrTooManyEdges
	}

	size := bitmapSize(numEdges)

	c.NumEdges = totalEdges
	c.BitmapSize = size
	c.trackEdges = trackEdges
	c.FoundEdges = 0

	c.VirginBits = newAllOnesBitmap(size)
	c.CrashBits = newAllOnesBitmap(size)
	clearEdgeBit(c.VirginBits, 0)
	clearEdgeBit(c.CrashBits, 0)

	if trackEdges {
		c.EdgeCount = make([]uint64, totalEdges)
	} else {
		c.EdgeCount = nil
	}

	c.finalized = true
	return nil
}

// Finalized reports whether FinishInitialization has successfully run, i.e.
// whether the virgin/crash bitmaps are ready to be evaluated against.
func (c *Context) Finalized() bool {
	return c.finalized
}

// Shutdown unmaps the shared region and unlinks its backing file.
func (c *Context) Shutdown() error {
	var firstErr error
	if c.shmem != nil {
		if err := unix.Munmap(c.shmem); err != nil && firstErr == nil {
			firstErr = err
		}
		c.shmem = nil
	}
	if c.shmFile != nil {
		path := c.shmFile.Name()
		if err := c.shmFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		c.shmFile = nil
	}
	c.initialized = false
	c.finalized = false
	return firstErr
}

// liveBitmap returns the slice view over the shared memory's edges array,
// exactly BitmapSize bytes starting at EdgesOffset.
func (c *Context) liveBitmap() []byte {
	off := EdgesOffset()
	return c.shmem[off : off+int(c.BitmapSize)]
}

func readNumEdges(shmem []byte) uint32 {
	return uint32(shmem[0]) | uint32(shmem[1])<<8 | uint32(shmem[2])<<16 | uint32(shmem[3])<<24
}

func newAllOnesBitmap(size uint64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xff
	}
	return b
}
