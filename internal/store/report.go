package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"evlogai/internal/model"
	"evlogai/internal/summarizer"
)

const (
	safeTitleLen = 50
	ruleWidth    = 80
)

// Reports writes the text report for each extraction.
type Reports struct {
	dir string
	now func() time.Time
}

// NewReports writes into dir. An empty dir means the user's Desktop, or the
// working directory when there is none.
func NewReports(dir string) *Reports {
	if dir == "" {
		dir = defaultReportDir()
	}
	return &Reports{dir: dir, now: time.Now}
}

func (r *Reports) Dir() string { return r.dir }

// Write renders records into EvLog_<label>_<title>_<timestamp>.txt.
func (r *Reports) Write(title, categoryLabel, channel, description string, records []model.LogRecord, requested int) (model.ReportRef, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return model.ReportRef{}, fmt.Errorf("create report dir %s: %w", r.dir, err)
	}

	now := r.now()
	name := fmt.Sprintf("EvLog_%s_%s_%s.txt", categoryLabel, SafeTitle(title), now.Format("20060102_150405"))
	path := filepath.Join(r.dir, name)

	var b strings.Builder
	rule := func(c string) { b.WriteString(strings.Repeat(c, ruleWidth) + "\n") }

	rule("=")
	b.WriteString("  EvLogAI - Windows Event Log Report\n")
	rule("=")
	b.WriteString("\n")
	fmt.Fprintf(&b, "Title:          %s\n", title)
	fmt.Fprintf(&b, "Category:       %s (%s)\n", categoryLabel, channel)
	fmt.Fprintf(&b, "Extracted at:   %s\n", now.Format("02/01/2006 15:04:05"))
	fmt.Fprintf(&b, "Rows requested: %d\n", requested)
	fmt.Fprintf(&b, "Rows extracted: %d\n\n", len(records))

	sum := summarizer.Summarize(records)
	rule("-")
	b.WriteString("  SUMMARY\n")
	rule("-")
	for _, sev := range []model.Severity{model.SeverityError, model.SeverityWarning, model.SeverityInfo, model.SeverityAuditSuccess, model.SeverityAuditFailure} {
		if n := sum.SeverityCounts[sev]; n > 0 {
			fmt.Fprintf(&b, "  %-14s %d\n", sev.String()+":", n)
		}
	}
	if len(sum.TopEventIDs) > 0 {
		b.WriteString("  Top event ids:\n")
		for _, top := range sum.TopEventIDs {
			fmt.Fprintf(&b, "    %-6d x%d\n", top.ID, top.Count)
		}
	}
	b.WriteString("\n")

	rule("-")
	b.WriteString("  ISSUE DESCRIPTION\n")
	rule("-")
	b.WriteString(description + "\n\n")

	rule("=")
	b.WriteString("  EVENTS\n")
	rule("=")
	b.WriteString("\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "--- Event #%d ---\n", i+1)
		fmt.Fprintf(&b, "  Timestamp: %s\n", rec.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "  Source:    %s\n", rec.Source)
		fmt.Fprintf(&b, "  Event ID:  %d\n", rec.EventID)
		fmt.Fprintf(&b, "  Type:      %s\n", rec.Severity)
		fmt.Fprintf(&b, "  Category:  %d\n", rec.Category)
		b.WriteString("  Message:\n")
		for _, line := range strings.Split(rec.Message, "\n") {
			if line = strings.TrimRight(line, "\r "); line != "" {
				b.WriteString("    " + line + "\n")
			}
		}
		b.WriteString("\n")
	}
	rule("=")
	b.WriteString("  End of report\n")
	rule("=")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return model.ReportRef{}, fmt.Errorf("write report %s: %w", path, err)
	}
	return model.ReportRef{Filename: name, Filepath: path}, nil
}

// SafeTitle keeps letters, digits, space, '-' and '_' (anything else becomes
// '_') and cuts the result to 50 characters.
func SafeTitle(title string) string {
	out := make([]rune, 0, safeTitleLen)
	for _, c := range title {
		if len(out) == safeTitleLen {
			break
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == ' ' || c == '-' || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func defaultReportDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		desktop := filepath.Join(home, "Desktop")
		if st, err := os.Stat(desktop); err == nil && st.IsDir() {
			return desktop
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
