package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/xuri/excelize/v2"
)

// TemperatureExportHeader 导出表头
var TemperatureExportHeader = []string{
	"Device ID",
	"Temperature",
	"Timestamp (UTC)",
}

const temperatureSheet = "Temperatures"

// GenerateTemperatureExport 生成最新温度 Excel；rows 为空时只有表头
func GenerateTemperatureExport(rows []models.DeviceTemperature) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	// 默认工作表改名
	if err := f.SetSheetName("Sheet1", temperatureSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
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
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range TemperatureExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(temperatureSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(temperatureSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	if err := f.SetColWidth(temperatureSheet, "A", "B", 15); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(temperatureSheet, "C", "C", 28); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, row := range rows {
		values := []any{row.DeviceID, row.Temperature, row.Timestamp.UTC().Format(time.RFC3339Nano)}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(temperatureSheet, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at %s: %w", cell, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(temperatureSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close excel: %w", err)
	}
	return buf.Bytes(), nil
}
