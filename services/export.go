package services

import (
	"fmt"
	"io"
	"time"

	"healthsense/models"

	"github.com/xuri/excelize/v2"
)

const (
	recordsSheet = "Records"
	summarySheet = "Summary"
)

var exportHeaders = []string{"Time", "Record ID", "Device ID", "Heart Rate (bpm)", "SpO2 (%)"}

var exportColumnWidths = []float64{
	22, // Time
	28, // Record ID
	20, // Device ID
	18, // Heart Rate
	12, // SpO2
}

// ExportXLSX writes records to w as an Excel workbook with timestamps in
// loc. A Summary sheet is added when insights is not nil.
func ExportXLSX(w io.Writer, records []models.HealthRecord, insights *Insights, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range exportHeaders {
		if err := setCell(f, recordsSheet, col+1, 1, header); err != nil {
			return err
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(recordsSheet, name, name, exportColumnWidths[col]); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	if err := f.SetCellStyle(recordsSheet, "A1", "E1", headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for i, r := range records {
		row := i + 2
		values := []any{
			r.Time().In(loc).Format("2006-01-02 15:04:05"),
			r.ID,
			r.DeviceID,
			nil,
			nil,
		}
		if r.HeartRate != nil {
			values[3] = *r.HeartRate
		}
		if r.SpO2 != nil {
			values[4] = *r.SpO2
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			if err := setCell(f, recordsSheet, col+1, row, v); err != nil {
				return err
			}
		}
	}

	if err := f.SetPanes(recordsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}

	if insights != nil {
		if err := writeSummary(f, insights, loc, headerStyle); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, ins *Insights, loc *time.Location, headerStyle int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	rows := [][]any{
		{"Metric", "Value"},
		{"Window", ins.Window},
		{"Data points", ins.DataPoints},
		{"Average heart rate (bpm)", ins.AvgHeartRate},
		{"Min heart rate (bpm)", ins.MinHeartRate},
		{"Max heart rate (bpm)", ins.MaxHeartRate},
		{"Heart rate status", ins.HeartRateStatus},
		{"Average SpO2 (%)", ins.AvgSpO2},
		{"Min SpO2 (%)", ins.MinSpO2},
		{"Max SpO2 (%)", ins.MaxSpO2},
		{"SpO2 status", ins.SpO2Status},
		{"Last update", ins.LastUpdate.In(loc).Format("2006-01-02 15:04:05")},
	}
	for i, row := range rows {
		for col, v := range row {
			if err := setCell(f, summarySheet, col+1, i+1, v); err != nil {
				return err
			}
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 26); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetCellStyle(summarySheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return fmt.Errorf("failed to set cell %s: %w", cell, err)
	}
	return nil
}
