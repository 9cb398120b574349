package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// ReportWriter saves the alerts of a processed file as a JSON report.
type ReportWriter struct {
	dir string
	now func() time.Time
}

// NewReportWriter creates a writer that puts reports in dir.
func NewReportWriter(dir string) *ReportWriter {
	return &ReportWriter{dir: dir, now: time.Now}
}

type reportMetadata struct {
	GeneratedAt       time.Time               `json:"generated_at"`
	SourceFile        string                  `json:"source_file"`
	TotalAlerts       int                     `json:"total_alerts"`
	SeverityBreakdown map[domain.Severity]int `json:"severity_breakdown"`
}

type report struct {
	Metadata         reportMetadata                     `json:"metadata"`
	AlertsBySeverity map[domain.Severity][]domain.Alert `json:"alerts_by_severity"`
	AllAlerts        []domain.Alert                     `json:"all_alerts"`
}

// Write stores alerts raised for source and returns the report path. It
// writes nothing when there are no alerts.
func (w *ReportWriter) Write(source string, alerts []domain.Alert) (string, error) {
	if len(alerts) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	now := w.now()
	rep := report{
		Metadata: reportMetadata{
			GeneratedAt:       now,
			SourceFile:        source,
			TotalAlerts:       len(alerts),
			SeverityBreakdown: make(map[domain.Severity]int),
		},
		AlertsBySeverity: make(map[domain.Severity][]domain.Alert),
		AllAlerts:        alerts,
	}
	for _, a := range alerts {
		rep.AlertsBySeverity[a.Severity] = append(rep.AlertsBySeverity[a.Severity], a)
		rep.Metadata.SeverityBreakdown[a.Severity]++
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	path := filepath.Join(w.dir, fmt.Sprintf("alerts_%s_%s.json", stem, now.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
