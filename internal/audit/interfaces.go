// Package audit keeps the journal of booking and session outcomes and
// exports it monthly.
package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"tutorly/internal/model"
)

// Journal persists audit entries.
type Journal interface {
	InsertAuditEntry(ctx context.Context, e model.AuditEntry) error
	// ListAuditEntries returns entries with OccurredAt in [from, to).
	ListAuditEntries(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error)
	DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error)
}

// ExcelWriter writes data to Excel format.
type ExcelWriter interface {
	// AddSheet adds a new sheet with the given name.
	AddSheet(name string) error

	// WriteHeader writes column headers to current sheet.
	WriteHeader(columns []string) error

	// WriteRow writes a data row to current sheet.
	WriteRow(row []any) error

	// Save writes the Excel file to the writer.
	Save(w io.Writer) error
}

// DocumentSender delivers the monthly report.
type DocumentSender interface {
	SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error
}

// ReportFilename names the report covering the month of t, e.g. "audit_2026-03.xlsx".
func ReportFilename(t time.Time) string {
	return fmt.Sprintf("audit_%04d-%02d.xlsx", t.Year(), int(t.Month()))
}
