// Package report generates crash and coverage reports from a fuzzing run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Severity represents how serious a crash class is considered.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// CrashType represents the way a crash was detected.
type CrashType string

const (
	CrashSignal  CrashType = "signal"
	CrashTimeout CrashType = "timeout"
	CrashOOM     CrashType = "oom"
	CrashAssert  CrashType = "assert"
)

// Crash represents one reproducible crashing execution.
type Crash struct {
	ID          string    `json:"id"`
	Type        CrashType `json:"type"`
	Severity    Severity  `json:"severity"`
	Target      string    `json:"target"`
	Signal      int       `json:"signal,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Script      string    `json:"script,omitempty"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Details     Details   `json:"details,omitempty"`
}

// Details contains additional crash details
type Details struct {
	Expected   string            `json:"expected,omitempty"`
	Actual     string            `json:"actual,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Fuzzout    string            `json:"fuzzout,omitempty"`
	NewEdges   int               `json:"new_edges,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Statistics holds harness execution statistics
type Statistics struct {
	TotalExecs      int64         `json:"total_execs"`
	OKCount         int64         `json:"ok_count"`
	CrashCount      int64         `json:"crash_count"`
	TimeoutCount    int64         `json:"timeout_count"`
	CrashesFound    int64         `json:"crashes_found"`
	Duration        time.Duration `json:"duration"`
	ExecsPerSec     float64       `json:"execs_per_sec"`
	AvgExecTime     time.Duration `json:"avg_exec_time"`
	MinExecTime     time.Duration `json:"min_exec_time"`
	MaxExecTime     time.Duration `json:"max_exec_time"`
	NumEdges        uint32        `json:"num_edges"`
	FoundEdges      uint64        `json:"found_edges"`
}

// MarshalJSON implements custom JSON marshaling for Statistics
func (s Statistics) MarshalJSON() ([]byte, error) {
	type Alias Statistics
	return json.Marshal(&struct {
		Alias
		Duration    string `json:"duration"`
		AvgExecTime string `json:"avg_exec_time"`
		MinExecTime string `json:"min_exec_time"`
		MaxExecTime string `json:"max_exec_time"`
	}{
		Alias:       Alias(s),
		Duration:    s.Duration.String(),
		AvgExecTime: s.AvgExecTime.String(),
		MinExecTime: s.MinExecTime.String(),
		MaxExecTime: s.MaxExecTime.String(),
	})
}

// Report represents a fuzzing run report
type Report struct {
	// Metadata
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`

	// Target
	TargetBinary string `json:"target_binary"`

	// Statistics
	Statistics Statistics `json:"statistics"`

	// Crashes
	Crashes []Crash `json:"crashes"`

	// Summary by severity
	SeverityCounts map[Severity]int `json:"severity_counts"`

	// Summary by type
	TypeCounts map[CrashType]int `json:"type_counts"`
}

// NewReport creates a new report
func NewReport(title, targetBinary string) *Report {
	return &Report{
		Title:          title,
		Version:        "1.0",
		GeneratedAt:    time.Now(),
		TargetBinary:   targetBinary,
		Crashes:        make([]Crash, 0),
		SeverityCounts: make(map[Severity]int),
		TypeCounts:     make(map[CrashType]int),
	}
}

// AddCrash adds a crash to the report
func (r *Report) AddCrash(c Crash) {
	r.Crashes = append(r.Crashes, c)
	r.SeverityCounts[c.Severity]++
	r.TypeCounts[c.Type]++
	r.Statistics.CrashesFound++
}

// SetStatistics sets the statistics
func (r *Report) SetStatistics(stats Statistics) {
	stats.CrashesFound = int64(len(r.Crashes))
	r.Statistics = stats
}

// GetCriticalCount returns the count of critical crashes
func (r *Report) GetCriticalCount() int {
	return r.SeverityCounts[SeverityCritical]
}

// GetHighCount returns the count of high severity crashes
func (r *Report) GetHighCount() int {
	return r.SeverityCounts[SeverityHigh]
}

// GetMediumCount returns the count of medium severity crashes
func (r *Report) GetMediumCount() int {
	return r.SeverityCounts[SeverityMedium]
}

// GetLowCount returns the count of low severity crashes
func (r *Report) GetLowCount() int {
	return r.SeverityCounts[SeverityLow]
}

// FilterBySeverity returns crashes with the given severity
func (r *Report) FilterBySeverity(severity Severity) []Crash {
	var filtered []Crash
	for _, c := range r.Crashes {
		if c.Severity == severity {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// FilterByType returns crashes with the given type
func (r *Report) FilterByType(crashType CrashType) []Crash {
	var filtered []Crash
	for _, c := range r.Crashes {
		if c.Type == crashType {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Generator is the interface for report generators
type Generator interface {
	Generate(report *Report, w io.Writer) error
	Extension() string
}

// Manager manages report generation
type Manager struct {
	generators map[string]Generator
	outputDir  string
}

// NewManager creates a new report manager
func NewManager(outputDir string) *Manager {
	m := &Manager{
		generators: make(map[string]Generator),
		outputDir:  outputDir,
	}

	// Register default generators
	m.RegisterGenerator("json", &JSONGenerator{Indent: true})
	m.RegisterGenerator("html", NewHTMLGenerator())
	m.RegisterGenerator("markdown", &MarkdownGenerator{IncludeDetails: true})
	m.RegisterGenerator("md", &MarkdownGenerator{IncludeDetails: true})

	return m
}

// RegisterGenerator registers a generator
func (m *Manager) RegisterGenerator(format string, gen Generator) {
	m.generators[format] = gen
}

// GetGenerator returns a generator by format
func (m *Manager) GetGenerator(format string) (Generator, bool) {
	gen, ok := m.generators[format]
	return gen, ok
}

// Generate generates a report in the specified format
func (m *Manager) Generate(report *Report, format string) (string, error) {
	gen, ok := m.generators[format]
	if !ok {
		return "", fmt.Errorf("unknown report format: %s", format)
	}

	// Create output directory if needed
	if err := os.MkdirAll(m.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	// Generate filename
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("report_%s.%s", timestamp, gen.Extension())
	filepath := filepath.Join(m.outputDir, filename)

	// Create file
	f, err := os.Create(filepath)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	// Generate report
	if err := gen.Generate(report, f); err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	return filepath, nil
}

// GenerateAll generates reports in all registered formats
func (m *Manager) GenerateAll(report *Report) ([]string, error) {
	var paths []string
	seen := make(map[string]bool)

	for format, gen := range m.generators {
		// Skip duplicate extensions (e.g., md and markdown both use .md)
		ext := gen.Extension()
		if seen[ext] {
			continue
		}
		seen[ext] = true

		path, err := m.Generate(report, format)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}

// WriteToWriter generates a report and writes to the given writer
func (m *Manager) WriteToWriter(report *Report, format string, w io.Writer) error {
	gen, ok := m.generators[format]
	if !ok {
		return fmt.Errorf("unknown report format: %s", format)
	}

	return gen.Generate(report, w)
}
