package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewReport(t *testing.T) {
	r := NewReport("Test Report", "/usr/bin/target")

	if r == nil {
		t.Fatal("NewReport returned nil")
	}

	if r.Title != "Test Report" {
		t.Errorf("Expected title 'Test Report', got '%s'", r.Title)
	}

	if r.TargetBinary != "/usr/bin/target" {
		t.Errorf("Expected target binary '/usr/bin/target', got '%s'", r.TargetBinary)
	}

	if r.Version != "1.0" {
		t.Errorf("Expected version '1.0', got '%s'", r.Version)
	}
}

func TestReport_AddCrash(t *testing.T) {
	r := NewReport("Test", "/usr/bin/target")

	c := Crash{
		ID:          "1",
		Type:        CrashSignal,
		Severity:    SeverityHigh,
		Target:      "/usr/bin/target",
		Signal:      11,
		Description: "SIGSEGV in parser",
		Timestamp:   time.Now(),
	}

	r.AddCrash(c)

	if len(r.Crashes) != 1 {
		t.Errorf("Expected 1 crash, got %d", len(r.Crashes))
	}

	if r.SeverityCounts[SeverityHigh] != 1 {
		t.Errorf("Expected 1 high severity count, got %d", r.SeverityCounts[SeverityHigh])
	}

	if r.TypeCounts[CrashSignal] != 1 {
		t.Errorf("Expected 1 signal type count, got %d", r.TypeCounts[CrashSignal])
	}
}

func TestReport_FilterBySeverity(t *testing.T) {
	r := NewReport("Test", "/usr/bin/target")

	r.AddCrash(Crash{Severity: SeverityHigh, Description: "High 1"})
	r.AddCrash(Crash{Severity: SeverityLow, Description: "Low 1"})
	r.AddCrash(Crash{Severity: SeverityHigh, Description: "High 2"})

	high := r.FilterBySeverity(SeverityHigh)
	if len(high) != 2 {
		t.Errorf("Expected 2 high severity crashes, got %d", len(high))
	}

	low := r.FilterBySeverity(SeverityLow)
	if len(low) != 1 {
		t.Errorf("Expected 1 low severity crash, got %d", len(low))
	}
}

func TestReport_FilterByType(t *testing.T) {
	r := NewReport("Test", "/usr/bin/target")

	r.AddCrash(Crash{Type: CrashSignal, Description: "Signal 1"})
	r.AddCrash(Crash{Type: CrashTimeout, Description: "Timeout 1"})
	r.AddCrash(Crash{Type: CrashSignal, Description: "Signal 2"})

	signalCrashes := r.FilterByType(CrashSignal)
	if len(signalCrashes) != 2 {
		t.Errorf("Expected 2 signal crashes, got %d", len(signalCrashes))
	}
}

func TestJSONGenerator(t *testing.T) {
	r := NewReport("Test Report", "/usr/bin/target")
	r.SetStatistics(Statistics{
		TotalExecs:  1000,
		OKCount:     950,
		CrashCount:  50,
		Duration:    time.Minute,
		ExecsPerSec: 16.67,
	})
	r.AddCrash(Crash{
		ID:          "1",
		Type:        CrashSignal,
		Severity:    SeverityHigh,
		Description: "SIGSEGV",
	})

	gen := &JSONGenerator{Indent: true}

	var buf bytes.Buffer
	err := gen.Generate(r, &buf)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	// Verify JSON is valid
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		t.Fatalf("Invalid JSON output: %v", err)
	}

	if parsed["title"] != "Test Report" {
		t.Errorf("Expected title 'Test Report' in JSON")
	}
}

func TestJSONGenerator_Extension(t *testing.T) {
	gen := &JSONGenerator{}
	if gen.Extension() != "json" {
		t.Errorf("Expected extension 'json', got '%s'", gen.Extension())
	}
}

func TestMarkdownGenerator(t *testing.T) {
	r := NewReport("Test Report", "/usr/bin/target")
	r.SetStatistics(Statistics{
		TotalExecs:  1000,
		OKCount:     950,
		CrashCount:  50,
		Duration:    time.Minute,
		ExecsPerSec: 16.67,
		AvgExecTime: 100 * time.Millisecond,
	})
	r.AddCrash(Crash{
		ID:          "1",
		Type:        CrashSignal,
		Severity:    SeverityHigh,
		Target:      "/usr/bin/target",
		Signal:      11,
		Description: "SIGSEGV in parser",
		Timestamp:   time.Now(),
	})

	gen := &MarkdownGenerator{IncludeDetails: true}

	var buf bytes.Buffer
	err := gen.Generate(r, &buf)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	// Check for key sections
	if !strings.Contains(output, "# Test Report") {
		t.Error("Expected title in Markdown output")
	}

	if !strings.Contains(output, "## 📊 Summary") {
		t.Error("Expected summary section in Markdown output")
	}

	if !strings.Contains(output, "## 🔍 Crashes Found") {
		t.Error("Expected crashes section in Markdown output")
	}

	if !strings.Contains(output, "🟠 High") {
		t.Error("Expected severity emoji in Markdown output")
	}
}

func TestMarkdownGenerator_NoCrashes(t *testing.T) {
	r := NewReport("Clean Report", "/usr/bin/target")

	gen := &MarkdownGenerator{}

	var buf bytes.Buffer
	err := gen.Generate(r, &buf)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "No crashes detected") {
		t.Error("Expected 'No crashes detected' message")
	}
}

func TestHTMLGenerator(t *testing.T) {
	r := NewReport("Test Report", "/usr/bin/target")
	r.SetStatistics(Statistics{
		TotalExecs:  1000,
		OKCount:     950,
		CrashCount:  50,
		Duration:    time.Minute,
		ExecsPerSec: 16.67,
		AvgExecTime: 100 * time.Millisecond,
	})
	r.AddCrash(Crash{
		ID:          "1",
		Type:        CrashSignal,
		Severity:    SeverityHigh,
		Target:      "/usr/bin/target",
		Signal:      11,
		Description: "SIGSEGV in parser",
		Timestamp:   time.Now(),
	})

	gen := NewHTMLGenerator()

	var buf bytes.Buffer
	err := gen.Generate(r, &buf)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	// Check for key HTML elements
	if !strings.Contains(output, "<!DOCTYPE html>") {
		t.Error("Expected DOCTYPE in HTML output")
	}

	if !strings.Contains(output, "<title>Test Report") {
		t.Error("Expected title in HTML output")
	}

	if !strings.Contains(output, "Statistics") {
		t.Error("Expected statistics section in HTML output")
	}

	if !strings.Contains(output, "Crashes") {
		t.Error("Expected crashes section in HTML output")
	}
}

func TestHTMLGenerator_Extension(t *testing.T) {
	gen := NewHTMLGenerator()
	if gen.Extension() != "html" {
		t.Errorf("Expected extension 'html', got '%s'", gen.Extension())
	}
}

func TestManager(t *testing.T) {
	// Create temp directory
	tmpDir := t.TempDir()

	m := NewManager(tmpDir)

	// Check default generators are registered
	if _, ok := m.GetGenerator("json"); !ok {
		t.Error("Expected json generator to be registered")
	}

	if _, ok := m.GetGenerator("html"); !ok {
		t.Error("Expected html generator to be registered")
	}

	if _, ok := m.GetGenerator("markdown"); !ok {
		t.Error("Expected markdown generator to be registered")
	}
}

func TestManager_Generate(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(tmpDir)

	r := NewReport("Test", "/usr/bin/target")
	r.AddCrash(Crash{
		Severity:    SeverityMedium,
		Description: "Test crash",
	})

	// Generate JSON
	path, err := m.Generate(r, "json")
	if err != nil {
		t.Fatalf("Generate JSON failed: %v", err)
	}

	if !strings.HasSuffix(path, ".json") {
		t.Errorf("Expected .json extension, got %s", path)
	}

	// Verify file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Report file was not created: %s", path)
	}
}

func TestManager_Generate_UnknownFormat(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(tmpDir)

	r := NewReport("Test", "/usr/bin/target")

	_, err := m.Generate(r, "unknown")
	if err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestManager_GenerateAll(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(tmpDir)

	r := NewReport("Test", "/usr/bin/target")

	paths, err := m.GenerateAll(r)
	if err != nil {
		t.Fatalf("GenerateAll failed: %v", err)
	}

	// Should generate json, html, and md
	if len(paths) < 3 {
		t.Errorf("Expected at least 3 files, got %d", len(paths))
	}

	// Verify all files exist
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Errorf("Report file was not created: %s", p)
		}
	}
}

func TestManager_WriteToWriter(t *testing.T) {
	m := NewManager("")

	r := NewReport("Test", "/usr/bin/target")

	var buf bytes.Buffer
	err := m.WriteToWriter(r, "json", &buf)
	if err != nil {
		t.Fatalf("WriteToWriter failed: %v", err)
	}

	if buf.Len() == 0 {
		t.Error("Expected non-empty output")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"this is a long string", 10, "this is a ..."},
		{"exact", 5, "exact"},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity Severity
		wantBlank bool
	}{
		{SeverityCritical, false},
		{SeverityHigh, false},
		{SeverityMedium, false},
		{SeverityLow, false},
		{SeverityInfo, false},
	}

	for _, tt := range tests {
		result := severityEmoji(tt.severity)
		if result == "" {
			t.Errorf("severityEmoji(%s) returned empty string", tt.severity)
		}
	}
}

func BenchmarkJSONGenerator(b *testing.B) {
	r := createTestReport(100)
	gen := &JSONGenerator{Indent: false}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		gen.Generate(r, &buf)
	}
}

func BenchmarkMarkdownGenerator(b *testing.B) {
	r := createTestReport(100)
	gen := &MarkdownGenerator{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		gen.Generate(r, &buf)
	}
}

func BenchmarkHTMLGenerator(b *testing.B) {
	r := createTestReport(100)
	gen := NewHTMLGenerator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		gen.Generate(r, &buf)
	}
}

func createTestReport(numCrashes int) *Report {
	r := NewReport("Benchmark Report", "/usr/bin/target")
	r.SetStatistics(Statistics{
		TotalExecs:  10000,
		OKCount:     9500,
		CrashCount:  500,
		Duration:    10 * time.Minute,
		ExecsPerSec: 16.67,
		AvgExecTime: 100 * time.Millisecond,
	})

	severities := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	types := []CrashType{CrashSignal, CrashTimeout, CrashOOM}

	for i := 0; i < numCrashes; i++ {
		r.AddCrash(Crash{
			ID:          string(rune(i)),
			Type:        types[i%len(types)],
			Severity:    severities[i%len(severities)],
			Target:      "/usr/bin/target",
			Signal:      11,
			Description: "Test crash",
			Timestamp:   time.Now(),
		})
	}

	return r
}

func TestIntegration_FullWorkflow(t *testing.T) {
	tmpDir := t.TempDir()

	// Create report
	r := NewReport("Integration Test", "/usr/bin/target")
	r.Description = "Full workflow integration test"

	// Add statistics
	r.SetStatistics(Statistics{
		TotalExecs:   5000,
		OKCount:      4800,
		CrashCount:   200,
		TimeoutCount: 50,
		Duration:     5 * time.Minute,
		ExecsPerSec:  16.67,
		AvgExecTime:  150 * time.Millisecond,
		MinExecTime:  10 * time.Millisecond,
		MaxExecTime:  2 * time.Second,
		NumEdges:     2048,
		FoundEdges:   912,
	})

	// Add various crashes
	r.AddCrash(Crash{
		ID:          "1",
		Type:        CrashSignal,
		Severity:    SeverityCritical,
		Target:      "/usr/bin/target",
		Signal:      11,
		Script:      "var x = new Array(1e9).fill(0);",
		Description: "Heap overflow in array allocator",
		Timestamp:   time.Now(),
	})

	r.AddCrash(Crash{
		ID:          "2",
		Type:        CrashTimeout,
		Severity:    SeverityMedium,
		Target:      "/usr/bin/target",
		Description: "Script did not terminate",
		Timestamp:   time.Now(),
		Details: Details{
			Expected: "completes within 1s",
			Actual:   "timed out after 5s",
		},
	})

	// Create manager and generate all formats
	m := NewManager(tmpDir)
	paths, err := m.GenerateAll(r)
	if err != nil {
		t.Fatalf("GenerateAll failed: %v", err)
	}

	// Verify all files were created and have content
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			t.Errorf("File not created: %s", p)
			continue
		}

		if info.Size() == 0 {
			t.Errorf("File is empty: %s", p)
		}

		// Verify extension
		ext := filepath.Ext(p)
		if ext != ".json" && ext != ".html" && ext != ".md" {
			t.Errorf("Unexpected file extension: %s", ext)
		}
	}
}
