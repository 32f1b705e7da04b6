package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a run as a markdown report.
func ExportMarkdown(r *RunRecord) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.AttemptID))
	if r.RunID != "" {
		b.WriteString(fmt.Sprintf("- **Run:** %s\n", r.RunID))
	}
	b.WriteString(fmt.Sprintf("- **Session:** %s\n", r.SessionID))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", r.Language))
	b.WriteString(fmt.Sprintf("- **Outcome:** %s\n", r.Outcome))
	if r.ExitCode != nil {
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", *r.ExitCode))
	}
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.Duration().Round(time.Millisecond)))

	if r.Detail != "" {
		b.WriteString("\n## Detail\n\n```\n")
		b.WriteString(strings.TrimRight(r.Detail, "\n"))
		b.WriteString("\n```\n")
	}

	return b.String()
}

// ExportJSON renders a run as formatted JSON.
func ExportJSON(r *RunRecord) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
