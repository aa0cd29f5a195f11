package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "irma-supervisor/internal/alerts/domain"
)

// AuditTrail is the alert history of one node.
type AuditTrail struct {
	NodeKey     string
	GeneratedAt time.Time
	Alerts      []alerts.Alert
}

func (t AuditTrail) pending() int {
	count := 0
	for _, alert := range t.Alerts {
		if !alert.IsHandled {
			count++
		}
	}
	return count
}

// BuildAuditPDF renders the audit trail as a PDF table.
func BuildAuditPDF(trail AuditTrail) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alert Audit Trail")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Node: %s", trail.NodeKey))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", trail.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d (pending %d)", len(trail.Alerts), trail.pending()))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Raised", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Session", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Channel", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Danger", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Handled", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Confirmed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Operator", "1", 0, "C", false, 0, "")
	pdf.CellFormat(95, 6, "Note", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, alert := range trail.Alerts {
		pdf.CellFormat(45, 6, alert.RaisedAt.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", alert.SessionID), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d:%d", alert.CanID, alert.SensorNumber), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%.2f", alert.DangerLevel), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, yesNo(alert.IsHandled), "1", 0, "C", false, 0, "")
		pdf.CellFormat(22, 6, yesNo(alert.IsConfirmed), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, alert.HandledBy, "1", 0, "L", false, 0, "")
		pdf.CellFormat(95, 6, alert.HandleNote, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAuditXLSX renders the audit trail as a workbook with summary and alerts sheets.
func BuildAuditXLSX(trail AuditTrail) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alertsSheet := "alerts"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Alert Audit Trail")
	_ = f.SetCellValue(summarySheet, "A3", "Node")
	_ = f.SetCellValue(summarySheet, "B3", trail.NodeKey)
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", trail.GeneratedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Alerts")
	_ = f.SetCellValue(summarySheet, "B5", len(trail.Alerts))
	_ = f.SetCellValue(summarySheet, "A6", "Pending")
	_ = f.SetCellValue(summarySheet, "B6", trail.pending())

	headers := []string{"Alert ID", "Reading", "Session", "CAN ID", "Sensor", "Danger Level", "Raised", "Handled", "Confirmed", "Operator", "Handled At", "Note"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(alertsSheet, cell, header)
	}
	for i, alert := range trail.Alerts {
		row := i + 2
		handledAt := ""
		if !alert.HandledAt.IsZero() {
			handledAt = alert.HandledAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			alert.ID,
			alert.ReadingID,
			alert.SessionID,
			alert.CanID,
			alert.SensorNumber,
			alert.DangerLevel,
			alert.RaisedAt.UTC().Format(time.RFC3339),
			alert.IsHandled,
			alert.IsConfirmed,
			alert.HandledBy,
			handledAt,
			alert.HandleNote,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(alertsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
