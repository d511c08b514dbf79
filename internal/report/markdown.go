package report

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownGenerator generates Markdown reports
type MarkdownGenerator struct {
	IncludeDetails bool
}

// Generate writes a Markdown report for r to w.
func (g *MarkdownGenerator) Generate(r *Report, w io.Writer) error {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", r.Title))
	if r.Description != "" {
		b.WriteString(r.Description)
		b.WriteString("\n\n")
	}

	b.WriteString(fmt.Sprintf("**Target:** `%s`  \n", r.TargetBinary))
	b.WriteString(fmt.Sprintf("**Generated:** %s  \n", r.GeneratedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("**Version:** %s\n\n", r.Version))

	b.WriteString("## 📊 Summary\n\n")
	b.WriteString("| Metric | Value |\n")
	b.WriteString("|---|---|\n")
	b.WriteString(fmt.Sprintf("| Total Execs | %d |\n", r.Statistics.TotalExecs))
	b.WriteString(fmt.Sprintf("| OK | %d |\n", r.Statistics.OKCount))
	b.WriteString(fmt.Sprintf("| Crashed | %d |\n", r.Statistics.CrashCount))
	b.WriteString(fmt.Sprintf("| Timed out | %d |\n", r.Statistics.TimeoutCount))
	b.WriteString(fmt.Sprintf("| Execs/sec | %.1f |\n", r.Statistics.ExecsPerSec))
	b.WriteString(fmt.Sprintf("| Duration | %s |\n", r.Statistics.Duration))
	b.WriteString(fmt.Sprintf("| Avg exec time | %s |\n", r.Statistics.AvgExecTime))
	b.WriteString(fmt.Sprintf("| Edges found | %d / %d |\n", r.Statistics.FoundEdges, r.Statistics.NumEdges))
	b.WriteString("\n")

	b.WriteString("## 🔍 Crashes Found\n\n")

	if len(r.Crashes) == 0 {
		b.WriteString("✅ No crashes detected!\n")
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
		return nil
	}

	for sev, count := range r.SeverityCounts {
		if count == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s %s: %d\n", severityEmoji(sev), capitalize(string(sev)), count))
	}
	b.WriteString("\n")

	for i, c := range r.Crashes {
		b.WriteString(fmt.Sprintf("### %d. %s %s\n\n", i+1, severityEmoji(c.Severity), c.Description))
		b.WriteString(fmt.Sprintf("- **Type:** `%s`\n", c.Type))
		b.WriteString(fmt.Sprintf("- **Target:** `%s`\n", c.Target))
		if c.Signal != 0 {
			b.WriteString(fmt.Sprintf("- **Signal:** %d\n", c.Signal))
		}
		if c.ExitCode != 0 {
			b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", c.ExitCode))
		}
		b.WriteString(fmt.Sprintf("- **Timestamp:** %s\n", c.Timestamp.Format("2006-01-02 15:04:05")))

		if g.IncludeDetails && c.Script != "" {
			b.WriteString(fmt.Sprintf("- **Script:** `%s`\n", truncate(c.Script, 200)))
		}
		if g.IncludeDetails && c.Details.Stderr != "" {
			b.WriteString(fmt.Sprintf("\n```\n%s\n```\n", truncate(c.Details.Stderr, 1000)))
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Extension returns the file extension
func (g *MarkdownGenerator) Extension() string {
	return "md"
}

// truncate shortens s to at most n bytes, appending "..." if it was cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// capitalize upper-cases the first rune of s.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// severityEmoji returns a short emoji badge for a severity level.
func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityHigh:
		return "🟠"
	case SeverityMedium:
		return "🟡"
	case SeverityLow:
		return "🟢"
	default:
		return "⚪"
	}
}
