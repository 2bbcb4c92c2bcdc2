// Package export renders a user's session history as PDF or XLSX.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/relabs-tech/shake_relax/internal/store"
)

// MMSS formats milliseconds as mm:ss, truncating partial seconds.
func MMSS(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// Summary aggregates a history.
type Summary struct {
	Sessions         int
	TotalStressedMs  int64
	AvgTimeToRelaxMs int64
	BestTimeToRelax  int64 // shortest time to relax; 0 with no sessions
	PeakPct          float64
}

func Summarize(sessions []store.Session) Summary {
	var sum Summary
	sum.Sessions = len(sessions)
	var relaxTotal int64
	for i, s := range sessions {
		sum.TotalStressedMs += s.DurationMs
		relaxTotal += s.TimeToRelaxMs
		if i == 0 || s.TimeToRelaxMs < sum.BestTimeToRelax {
			sum.BestTimeToRelax = s.TimeToRelaxMs
		}
		if s.PeakPct != nil && *s.PeakPct > sum.PeakPct {
			sum.PeakPct = *s.PeakPct
		}
	}
	if len(sessions) > 0 {
		sum.AvgTimeToRelaxMs = relaxTotal / int64(len(sessions))
	}
	return sum
}

func peakString(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *p*100)
}

// BuildHistoryPDF renders a one-table PDF of sessions.
func BuildHistoryPDF(userID string, sessions []store.Session, generated time.Time) ([]byte, error) {
	sum := Summarize(sessions)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Relaxation Sessions")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("User: %s", userID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Sessions: %d", sum.Sessions))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total stressed: %s", MMSS(sum.TotalStressedMs)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Average time to relax: %s", MMSS(sum.AvgTimeToRelaxMs)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Best time to relax: %s", MMSS(sum.BestTimeToRelax)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 6, "Started", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Stressed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "To relax", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Peak", "1", 0, "C", false, 0, "")
	pdf.CellFormat(75, 6, "Notes", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, s := range sessions {
		pdf.CellFormat(45, 6, s.StartedAt.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, MMSS(s.DurationMs), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, MMSS(s.TimeToRelaxMs), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, peakString(s.PeakPct), "1", 0, "R", false, 0, "")
		pdf.CellFormat(75, 6, truncate(s.Notes, 45), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders a summary sheet and a sessions sheet.
func BuildHistoryXLSX(userID string, sessions []store.Session, generated time.Time) ([]byte, error) {
	sum := Summarize(sessions)

	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	sessionsSheet := "sessions"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(sessionsSheet); err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}

	_ = f.SetCellValue(summarySheet, "A1", "Relaxation Sessions")
	_ = f.SetCellValue(summarySheet, "A3", "User")
	_ = f.SetCellValue(summarySheet, "B3", userID)
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", generated.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Sessions")
	_ = f.SetCellValue(summarySheet, "B5", sum.Sessions)
	_ = f.SetCellValue(summarySheet, "A6", "Total stressed")
	_ = f.SetCellValue(summarySheet, "B6", MMSS(sum.TotalStressedMs))
	_ = f.SetCellValue(summarySheet, "A7", "Average time to relax")
	_ = f.SetCellValue(summarySheet, "B7", MMSS(sum.AvgTimeToRelaxMs))
	_ = f.SetCellValue(summarySheet, "A8", "Best time to relax")
	_ = f.SetCellValue(summarySheet, "B8", MMSS(sum.BestTimeToRelax))

	headers := []string{"ID", "Started", "Relaxed", "Stressed (ms)", "To relax (ms)", "Stressed", "To relax", "Peak", "Notes"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sessionsSheet, cell, h)
	}
	for i, s := range sessions {
		row := i + 2
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("A%d", row), s.ID)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("B%d", row), s.StartedAt.Format(time.RFC3339))
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("C%d", row), s.RelaxedAt.Format(time.RFC3339))
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("D%d", row), s.DurationMs)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("E%d", row), s.TimeToRelaxMs)
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("F%d", row), MMSS(s.DurationMs))
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("G%d", row), MMSS(s.TimeToRelaxMs))
		if s.PeakPct != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("H%d", row), *s.PeakPct)
		}
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("I%d", row), s.Notes)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
