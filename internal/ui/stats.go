// Package ui provides statistics display components.
package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stats holds live harness execution statistics: how many scripts have run,
// how they ended, and how much new coverage they turned up.
type Stats struct {
	mu sync.RWMutex

	// Execution counters
	TotalExecs   int64
	OKCount      int64
	CrashCount   int64
	TimeoutCount int64

	// Timing
	StartTime   time.Time
	LastExecAt  time.Time

	// Per-execution timing
	TotalExecTime time.Duration
	MinExecTime   time.Duration
	MaxExecTime   time.Duration

	// Crashes, bucketed the way the coverage engine's crash edges would
	// triage them: fatal signals first, then timeouts, then anything else.
	CrashesFound   int64
	FatalSignals   int64
	OtherSignals   int64
	TimeoutCrashes int64

	// Coverage progress
	NumEdges         uint32
	FoundEdges       uint64
	CompletedTargets int64
	TotalTargets     int64
	CurrentProgress  float64

	rpsHistory     []float64
	lastRPSUpdate  time.Time
	requestsAtLast int64
}

// NewStats creates a new Stats instance
func NewStats() *Stats {
	return &Stats{
		StartTime:   time.Now(),
		MinExecTime: time.Hour, // Start with max value
		rpsHistory:  make([]float64, 0, 60),
	}
}

// RecordExecution records the outcome of one script execution against the
// target: whether it completed cleanly, how long it took, and whether the
// child timed out.
func (s *Stats) RecordExecution(ok bool, execTime time.Duration, isTimeout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalExecs++
	s.LastExecAt = time.Now()

	if ok {
		s.OKCount++
	} else {
		s.CrashCount++
	}

	if isTimeout {
		s.TimeoutCount++
	}

	s.TotalExecTime += execTime

	if execTime < s.MinExecTime {
		s.MinExecTime = execTime
	}
	if execTime > s.MaxExecTime {
		s.MaxExecTime = execTime
	}
}

// RecordCrash records one newly discovered crash, bucketed by class:
// "signal" (a fatal signal other than the common SIGSEGV/SIGABRT pairing),
// "fatal" (SIGSEGV/SIGABRT-class memory corruption), or "timeout".
func (s *Stats) RecordCrash(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CrashesFound++

	switch strings.ToLower(class) {
	case "fatal", "segv", "abrt":
		s.FatalSignals++
	case "timeout", "timed out":
		s.TimeoutCrashes++
	default:
		s.OtherSignals++
	}
}

// UpdateCoverage folds in the latest coverage snapshot.
func (s *Stats) UpdateCoverage(numEdges uint32, foundEdges uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.NumEdges = numEdges
	s.FoundEdges = foundEdges
}

// UpdateProgress updates the progress
func (s *Stats) UpdateProgress(completed, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CompletedTargets = completed
	s.TotalTargets = total

	if total > 0 {
		s.CurrentProgress = float64(completed) / float64(total)
	}
}

// GetExecsPerSec returns the current executions per second
func (s *Stats) GetExecsPerSec() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(s.TotalExecs) / elapsed
}

// GetAverageExecTime returns the average execution time
func (s *Stats) GetAverageExecTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.TotalExecs == 0 {
		return 0
	}
	return s.TotalExecTime / time.Duration(s.TotalExecs)
}

// GetElapsedTime returns the elapsed time since start
func (s *Stats) GetElapsedTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.StartTime)
}

// GetOKRate returns the fraction of executions that completed without a
// crash or timeout, as a percentage.
func (s *Stats) GetOKRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.TotalExecs == 0 {
		return 0
	}
	return float64(s.OKCount) / float64(s.TotalExecs) * 100
}

// GetETA returns estimated time remaining
func (s *Stats) GetETA() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.CompletedTargets == 0 || s.TotalTargets == 0 {
		return 0
	}

	elapsed := time.Since(s.StartTime)
	remaining := s.TotalTargets - s.CompletedTargets
	rate := float64(s.CompletedTargets) / elapsed.Seconds()

	if rate <= 0 {
		return 0
	}

	return time.Duration(float64(remaining)/rate) * time.Second
}

// Snapshot returns a copy of current stats
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatsSnapshot{
		TotalExecs:       s.TotalExecs,
		OKCount:          s.OKCount,
		CrashCount:       s.CrashCount,
		TimeoutCount:     s.TimeoutCount,
		CrashesFound:     s.CrashesFound,
		FatalSignals:     s.FatalSignals,
		OtherSignals:     s.OtherSignals,
		TimeoutCrashes:   s.TimeoutCrashes,
		NumEdges:         s.NumEdges,
		FoundEdges:       s.FoundEdges,
		CurrentProgress:  s.CurrentProgress,
		TotalTargets:     s.TotalTargets,
		CompletedTargets: s.CompletedTargets,
		ElapsedTime:      time.Since(s.StartTime),
		AverageExecTime:  s.GetAverageExecTime(),
		ExecsPerSec:      s.GetExecsPerSec(),
		OKRate:           s.GetOKRate(),
		ETA:              s.GetETA(),
	}
}

// StatsSnapshot is an immutable snapshot of stats
type StatsSnapshot struct {
	TotalExecs       int64
	OKCount          int64
	CrashCount       int64
	TimeoutCount     int64
	CrashesFound     int64
	FatalSignals     int64
	OtherSignals     int64
	TimeoutCrashes   int64
	NumEdges         uint32
	FoundEdges       uint64
	CurrentProgress  float64
	TotalTargets     int64
	CompletedTargets int64
	ElapsedTime      time.Duration
	AverageExecTime  time.Duration
	ExecsPerSec      float64
	OKRate           float64
	ETA              time.Duration
}

// StatsView renders the statistics panel
type StatsView struct {
	width  int
	height int
}

// NewStatsView creates a new stats view
func NewStatsView(width, height int) *StatsView {
	return &StatsView{
		width:  width,
		height: height,
	}
}

// SetSize updates the view size
func (v *StatsView) SetSize(width, height int) {
	v.width = width
	v.height = height
}

// Render renders the stats view
func (v *StatsView) Render(snap StatsSnapshot) string {
	var b strings.Builder

	// Header
	b.WriteString(HeaderStyle.Render("📊 Executions"))
	b.WriteString("\n\n")

	b.WriteString(RenderLabelValue("Total Execs", formatNumber(snap.TotalExecs)))
	b.WriteString("\n")

	b.WriteString(RenderLabel("OK"))
	b.WriteString(" ")
	b.WriteString(SuccessStyle.Render(formatNumber(snap.OKCount)))
	b.WriteString(" | ")
	b.WriteString(RenderLabel("Crashed"))
	b.WriteString(" ")
	b.WriteString(ErrorStyle.Render(formatNumber(snap.CrashCount)))
	b.WriteString(" | ")
	b.WriteString(RenderLabel("Timeout"))
	b.WriteString(" ")
	b.WriteString(WarningStyle.Render(formatNumber(snap.TimeoutCount)))
	b.WriteString("\n")

	b.WriteString(RenderLabelValue("OK Rate", fmt.Sprintf("%.1f%%", snap.OKRate)))
	b.WriteString("\n\n")

	// Performance
	b.WriteString(HeaderStyle.Render("⚡ Throughput"))
	b.WriteString("\n\n")

	b.WriteString(RenderLabelValue("Execs/sec", fmt.Sprintf("%.1f", snap.ExecsPerSec)))
	b.WriteString("\n")
	b.WriteString(RenderLabelValue("Avg Exec Time", formatDuration(snap.AverageExecTime)))
	b.WriteString("\n")
	b.WriteString(RenderLabelValue("Elapsed", formatDuration(snap.ElapsedTime)))
	b.WriteString("\n\n")

	// Coverage
	b.WriteString(HeaderStyle.Render("🔍 Coverage"))
	b.WriteString("\n\n")

	b.WriteString(RenderLabelValue("Edges Found", fmt.Sprintf("%s / %s", formatNumber(int64(snap.FoundEdges)), formatNumber(int64(snap.NumEdges)))))
	b.WriteString("\n")
	b.WriteString(RenderLabelValue("Crashes", formatNumber(snap.CrashesFound)))
	b.WriteString("\n")

	if snap.CrashesFound > 0 {
		b.WriteString("  ")
		b.WriteString(AnomalyHighStyle.Render(fmt.Sprintf("Fatal: %d", snap.FatalSignals)))
		b.WriteString(" | ")
		b.WriteString(AnomalyMediumStyle.Render(fmt.Sprintf("Timeout: %d", snap.TimeoutCrashes)))
		b.WriteString(" | ")
		b.WriteString(AnomalyLowStyle.Render(fmt.Sprintf("Other: %d", snap.OtherSignals)))
		b.WriteString("\n")
	}

	return StatsPanelStyle.Width(v.width).Render(b.String())
}

// Helper functions

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
