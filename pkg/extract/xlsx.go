package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// maxCellsPerSheet bounds extraction so a huge spreadsheet cannot flood the
// prompt.
const maxCellsPerSheet = 1000

// XlsxExtractor extracts cell text from Excel spreadsheets, sheet by sheet.
type XlsxExtractor struct{}

func (e *XlsxExtractor) CanExtract(filename string) bool {
	return hasExt(filename, ".xlsx")
}

func (e *XlsxExtractor) Extract(filename string, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse Excel document: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		var sheet strings.Builder
		fmt.Fprintf(&sheet, "--- Sheet: %s ---\n", sheetName)

		rows, err := f.GetRows(sheetName)
		if err != nil {
			fmt.Fprintf(&sheet, "Error reading sheet: %v\n", err)
			parts = append(parts, strings.TrimSpace(sheet.String()))
			continue
		}

		cells := 0
		for _, row := range rows {
			if cells >= maxCellsPerSheet {
				sheet.WriteString("... (truncated)\n")
				break
			}
			fields := make([]string, 0, len(row))
			for _, cell := range row {
				if text := strings.TrimSpace(cell); text != "" {
					fields = append(fields, text)
					cells++
				}
			}
			if len(fields) > 0 {
				sheet.WriteString(strings.Join(fields, "\t"))
				sheet.WriteString("\n")
			}
		}
		if text := strings.TrimSpace(sheet.String()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
