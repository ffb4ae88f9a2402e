package service

import (
	"context"

	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/pkg/export"
)

var auditHeaders = []string{"timestamp_utc", "previous_status", "new_status", "reason", "actor_id", "channel"}

// AuditService exposes the read-only audit trail of an enrollment in
// exportable formats. It never writes ledger state.
type AuditService struct {
	enrollments *EnrollmentService
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
}

// NewAuditService constructs AuditService.
func NewAuditService(enrollments *EnrollmentService) *AuditService {
	return &AuditService{
		enrollments: enrollments,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
	}
}

// Records returns the audit timeline ordered oldest first.
func (s *AuditService) Records(ctx context.Context, enrollmentID string) ([]models.AuditRecord, error) {
	entries, err := s.enrollments.History(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	records := make([]models.AuditRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, entry.AuditRecord())
	}
	return records, nil
}

// RenderCSV renders the timeline as CSV bytes.
func (s *AuditService) RenderCSV(ctx context.Context, enrollmentID string) ([]byte, error) {
	records, err := s.Records(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return s.csv.Render(dataset(records))
}

// RenderPDF renders the timeline as a tabular PDF.
func (s *AuditService) RenderPDF(ctx context.Context, enrollmentID string) ([]byte, error) {
	records, err := s.Records(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return s.pdf.Render(dataset(records), "Enrollment audit trail")
}

func dataset(records []models.AuditRecord) export.Dataset {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		prev := ""
		if rec.PreviousStatus != nil {
			prev = string(*rec.PreviousStatus)
		}
		actor := ""
		if rec.ActorID != nil {
			actor = *rec.ActorID
		}
		rows = append(rows, []string{
			rec.TimestampUTC.Format("2006-01-02 15:04:05"),
			prev,
			string(rec.NewStatus),
			rec.Reason,
			actor,
			rec.Channel,
		})
	}
	return export.Dataset{Headers: auditHeaders, Rows: rows}
}
