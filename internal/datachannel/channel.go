// Package datachannel implements the fixed-size, memory-mapped anonymous
// file channels REPRL and the forkserver use to ship script text and
// output between the parent and an instrumented child without streaming.
package datachannel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MaxSize is REPRL_MAX_DATA_SIZE: the fixed capacity of every data channel,
// and therefore the largest script a caller may submit for execution.
const MaxSize = 16 << 20

// Channel is a RAM-backed, fixed-size file shared between parent and
// child: the writer seeks to 0 before writing, the reader reads up to the
// writer's last position, and the mapping is inherited by the child at a
// well-known descriptor.
type Channel struct {
	file    *os.File
	mapping []byte
}

// New creates a new channel backed by an anonymous, CLOEXEC memfd (Linux)
// sized to MaxSize and maps it into the caller's address space.
func New() (*Channel, error) {
	fd, err := unix.MemfdCreate("REPRL_DATA_CHANNEL", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("datachannel: memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "reprl-data-channel")

	if err := f.Truncate(MaxSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("datachannel: truncate: %w", err)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, MaxSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("datachannel: mmap: %w", err)
	}

	return &Channel{file: f, mapping: mapping}, nil
}

// Fd returns the underlying file descriptor, to be inherited by a spawned
// child at one of the well-known REPRL/forkserver descriptor numbers.
func (c *Channel) Fd() int {
	return int(c.file.Fd())
}

// Mapping returns the raw mmap'd buffer backing this channel. Callers copy
// script bytes into it directly (for an in-bound channel) or read the
// child's output back out of it (for an out-bound channel).
func (c *Channel) Mapping() []byte {
	return c.mapping
}

// Rewind seeks the underlying file back to offset 0, so a subsequently
// dup'd child descriptor can read(2)/write(2) sequentially from the start.
// Both the in-bound and out-bound channel must be rewound before every
// execution.
func (c *Channel) Rewind() error {
	_, err := c.file.Seek(0, 0)
	return err
}

// EnsureSize re-truncates the backing file to MaxSize. Called before every
// spawn since some kernels let the file grow past MaxSize if a writer keeps
// appending; reads are always clamped separately, but keeping the backing
// size exact avoids surprising disk/memory accounting.
func (c *Channel) EnsureSize() error {
	return c.file.Truncate(MaxSize)
}

// FetchContent returns the channel's content as a NUL-terminated view into
// the mapping, truncated at the writer's current file position (capped at
// MaxSize-1). The returned string is a copy of the mapping's bytes, so it
// stays valid after the next execution overwrites the channel.
func (c *Channel) FetchContent() (string, error) {
	pos, err := c.file.Seek(0, 1) // SEEK_CUR
	if err != nil {
		return "", err
	}
	if pos >= MaxSize {
		pos = MaxSize - 1
	}
	c.mapping[pos] = 0
	return string(c.mapping[:pos]), nil
}

// Close unmaps and closes the backing file.
func (c *Channel) Close() error {
	var firstErr error
	if c.mapping != nil {
		if err := unix.Munmap(c.mapping); err != nil {
			firstErr = err
		}
		c.mapping = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.file = nil
	}
	return firstErr
}
