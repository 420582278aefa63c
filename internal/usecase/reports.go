package usecase

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// ReportService produces the per-batch extraction report: one row per
// distinct source filename with the code that won, or the literal "failed".
type ReportService struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
}

// NewReportService constructs a ReportService with its dependencies.
func NewReportService(images domain.ImageRepository, dets domain.DetectionRepository) ReportService {
	return ReportService{Images: images, Detections: dets}
}

// ReportRow is one line of the batch report.
type ReportRow struct {
	SourceFilename string
	Code           string
}

// Rows collects the report for a batch. Chosen detections win over plain
// valid ones; within a tier the earliest created detection wins; failed
// images with no surviving detection emit the literal "failed". Rows are
// sorted by filename.
func (s ReportService) Rows(ctx domain.Context, batchID string) ([]ReportRow, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id required", domain.ErrInvalidArgument)
	}
	dets, err := s.Detections.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].CreatedAt.Before(dets[j].CreatedAt) })

	rows := make(map[string]string)
	for _, d := range dets {
		if d.SourceFilename == "" || !d.Chosen {
			continue
		}
		if _, ok := rows[d.SourceFilename]; !ok {
			rows[d.SourceFilename] = d.Code
		}
	}
	for _, d := range dets {
		if d.SourceFilename == "" || d.Rejected || d.Ambiguous {
			continue
		}
		if _, ok := rows[d.SourceFilename]; !ok {
			rows[d.SourceFilename] = d.Code
		}
	}

	imgs, err := s.Images.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		if img.Status != domain.ImageFailed || img.SourceFilename == "" {
			continue
		}
		if _, ok := rows[img.SourceFilename]; !ok {
			rows[img.SourceFilename] = "failed"
		}
	}

	out := make([]ReportRow, 0, len(rows))
	for filename, code := range rows {
		out = append(out, ReportRow{SourceFilename: filename, Code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceFilename < out[j].SourceFilename })
	return out, nil
}

// RenderCSV formats rows as CSV with a header line.
func RenderCSV(rows []ReportRow) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write([]string{"source_filename", "code"}); err != nil {
		return "", err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.SourceFilename, r.Code}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return b.String(), w.Error()
}

// RenderMarkdown formats rows as a markdown table.
func RenderMarkdown(rows []ReportRow) string {
	var b strings.Builder
	b.WriteString("| source_filename | code |\n")
	b.WriteString("|-----------------|------|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s |\n", r.SourceFilename, r.Code)
	}
	return b.String()
}

// FindByCode looks up detections matching a raw or normalized code and
// resolves the current status of their images.
func (s ReportService) FindByCode(ctx domain.Context, code string) ([]DetectionLookup, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code required", domain.ErrInvalidArgument)
	}
	dets, err := s.Detections.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	out := make([]DetectionLookup, 0, len(dets))
	for _, d := range dets {
		l := DetectionLookup{Detection: d}
		if img, err := s.Images.Get(ctx, d.ImageID); err == nil {
			l.ImageStatus = img.Status
		}
		out = append(out, l)
	}
	return out, nil
}

// DetectionLookup pairs a detection with its image's current status.
type DetectionLookup struct {
	Detection   domain.Detection
	ImageStatus domain.ImageStatus
}
