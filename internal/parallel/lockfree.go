// Package parallel provides lock-free primitives used by the engine's
// submission path where a mutex would otherwise be held for every script
// dispatched.
package parallel

import (
	"sync/atomic"
)

// AtomicCounter provides an atomic counter
type AtomicCounter struct {
	value int64
}

// NewAtomicCounter creates a new atomic counter
func NewAtomicCounter(initial int64) *AtomicCounter {
	return &AtomicCounter{value: initial}
}

// Inc increments the counter
func (c *AtomicCounter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Dec decrements the counter
func (c *AtomicCounter) Dec() int64 {
	return atomic.AddInt64(&c.value, -1)
}

// Add adds a value to the counter
func (c *AtomicCounter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Get returns the current value
func (c *AtomicCounter) Get() int64 {
	return atomic.LoadInt64(&c.value)
}

// Set sets the value
func (c *AtomicCounter) Set(value int64) {
	atomic.StoreInt64(&c.value, value)
}

// CompareAndSwap performs a CAS operation
func (c *AtomicCounter) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&c.value, old, new)
}

// AtomicFlag provides an atomic boolean flag
type AtomicFlag struct {
	value int32
}

// NewAtomicFlag creates a new atomic flag
func NewAtomicFlag(initial bool) *AtomicFlag {
	f := &AtomicFlag{}
	if initial {
		f.Set()
	}
	return f
}

// Set sets the flag to true
func (f *AtomicFlag) Set() {
	atomic.StoreInt32(&f.value, 1)
}

// Clear sets the flag to false
func (f *AtomicFlag) Clear() {
	atomic.StoreInt32(&f.value, 0)
}

// IsSet returns true if the flag is set
func (f *AtomicFlag) IsSet() bool {
	return atomic.LoadInt32(&f.value) == 1
}

// Toggle toggles the flag and returns the new value
func (f *AtomicFlag) Toggle() bool {
	for {
		old := atomic.LoadInt32(&f.value)
		newVal := int32(1)
		if old == 1 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt32(&f.value, old, newVal) {
			return newVal == 1
		}
	}
}

// CompareAndSet atomically sets the flag to true only if it was
// currently false, reporting whether the swap happened. Used for
// idempotent one-time transitions (e.g. Engine.Close) where a plain
// IsSet-then-Set would race two callers into both thinking they won.
func (f *AtomicFlag) CompareAndSet() bool {
	return atomic.CompareAndSwapInt32(&f.value, 0, 1)
}

// AtomicValue provides atomic access to arbitrary values
type AtomicValue struct {
	v atomic.Value
}

// NewAtomicValue creates a new atomic value
func NewAtomicValue(initial interface{}) *AtomicValue {
	av := &AtomicValue{}
	if initial != nil {
		av.Store(initial)
	}
	return av
}

// Store stores a value
func (av *AtomicValue) Store(value interface{}) {
	av.v.Store(value)
}

// Load loads the value
func (av *AtomicValue) Load() interface{} {
	return av.v.Load()
}
