package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/models"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
)

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportResult is a rendered document ready to stream.
type ExportResult struct {
	Filename    string
	Format      export.Format
	ContentType string
	Payload     []byte
}

// ExportService renders ledger rollups and token statements as CSV or PDF.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService. Nil renderers fall back to the pkg/export defaults.
func NewExportService(logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

// TokenStats renders the ledger-wide rollup.
func (s *ExportService) TokenStats(stats *models.TokenStats, format export.Format) (*ExportResult, error) {
	if stats == nil {
		stats = &models.TokenStats{}
	}
	rows := make([]map[string]string, 0, len(stats.Rows))
	for _, row := range stats.Rows {
		rows = append(rows, map[string]string{
			"Domain":       row.Domain,
			"Quality":      string(row.Quality),
			"Method":       string(row.Method),
			"Tokens":       fmt.Sprintf("%d", row.Count),
			"Total Amount": fmt.Sprintf("%d", row.TotalAmount),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Domain", "Quality", "Method", "Tokens", "Total Amount"},
		Rows:    rows,
	}
	return s.render(dataset, format, "Reward Token Statistics", "token_stats")
}

// TokenStatement renders one user's ledger entries with their running balance.
func (s *ExportService) TokenStatement(userID string, tokens []models.RewardToken, balance int64, format export.Format) (*ExportResult, error) {
	rows := make([]map[string]string, 0, len(tokens)+1)
	for _, tok := range tokens {
		rows = append(rows, map[string]string{
			"Issued At": tok.CreatedAt.UTC().Format(time.RFC3339),
			"Token ID":  tok.ID,
			"Recording": tok.RecordingID,
			"Quality":   string(tok.QualityAtIssuance),
			"Amount":    fmt.Sprintf("%d", tok.Amount),
			"Method":    string(tok.Method),
			"Status":    string(tok.Status),
		})
	}
	rows = append(rows, map[string]string{"Issued At": "Balance", "Amount": fmt.Sprintf("%d", balance)})
	dataset := export.Dataset{
		Headers: []string{"Issued At", "Token ID", "Recording", "Quality", "Amount", "Method", "Status"},
		Rows:    rows,
	}
	return s.render(dataset, format, fmt.Sprintf("Token Statement %s", userID), "statement_"+sanitizeFilename(userID))
}

func (s *ExportService) render(dataset export.Dataset, format export.Format, title, basename string) (*ExportResult, error) {
	var (
		payload []byte
		err     error
	)
	switch format {
	case export.FormatCSV:
		payload, err = s.csv.Render(dataset)
	case export.FormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		s.logger.Sugar().Errorw("export render failed", "format", format, "title", title, "error", err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return &ExportResult{
		Filename:    fmt.Sprintf("%s_%s.%s", basename, s.now().UTC().Format("20060102_150405"), format),
		Format:      format,
		ContentType: format.ContentType(),
		Payload:     payload,
	}, nil
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
