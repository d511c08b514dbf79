// Package types defines common data structures shared across the harness,
// its reporting and dashboard layers, and its distributed cluster mode.
package types

import "time"

// ExecStatus classifies how one script execution ended.
type ExecStatus int

const (
	ExecOK ExecStatus = iota
	ExecCrashed
	ExecTimedOut
)

func (s ExecStatus) String() string {
	switch s {
	case ExecOK:
		return "ok"
	case ExecCrashed:
		return "crashed"
	case ExecTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// CoverageSnapshot is a point-in-time summary of a coverage context's
// state, cheap enough to copy into a report or ship over the wire to a
// cluster master without holding the context's lock.
type CoverageSnapshot struct {
	NumEdges   uint32    // total instrumented edges in the target
	FoundEdges uint64    // edges ever observed live
	Timestamp  time.Time // when the snapshot was taken
}

// Coverage returns the fraction of instrumented edges discovered so far, in
// [0, 1]. Zero edges (an uninstrumented target) reports 0.
func (s CoverageSnapshot) Coverage() float64 {
	if s.NumEdges == 0 {
		return 0
	}
	return float64(s.FoundEdges) / float64(s.NumEdges)
}

// ExecResult is the outcome of running one script against a target.
type ExecResult struct {
	Status   ExecStatus
	ExitCode int
	Signal   int
	Duration time.Duration
	NewEdges []uint64 // edges this execution discovered for the first time
	Fuzzout  string
	Stdout   string
	Stderr   string
	Aux      string // content of the optional extra REPRL channel, if configured
}

// ExecTask is one unit of distributable work: a script to run, submitted by
// a cluster master to a worker.
type ExecTask struct {
	ID            string
	Script        []byte
	Timeout       time.Duration
	FreshInstance bool
}

// CrashReport describes one crashing or timing-out execution worth
// preserving, independent of where it was discovered (local run or a
// cluster worker).
type CrashReport struct {
	TaskID    string
	Script    []byte
	Result    ExecResult
	Timestamp time.Time
}
