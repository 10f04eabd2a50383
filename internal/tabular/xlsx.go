package tabular

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// preferredSheet is used when a workbook carries several sheets
const preferredSheet = "trades"

// DecodeXLSX decodes the "Trades" sheet of a workbook, or its first sheet with
// data. Cell values are read raw so numbers reach the number parser without
// locale formatting; the raw text of a row is its CSV rendering.
func DecodeXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet, rows, err := pickSheet(f)
	if err != nil {
		return nil, err
	}

	t := &Table{Delimiter: ',', Sheet: sheet}
	headerSeen := false
	for i, cells := range rows {
		if isBlank(cells) {
			continue
		}
		if !headerSeen {
			t.Header = trimAll(cells)
			headerSeen = true
			continue
		}
		t.Rows = append(t.Rows, Row{
			Line:  i + 1,
			Raw:   RenderCSV(cells),
			Cells: cells,
		})
	}
	if !headerSeen {
		return nil, ErrEmptyInput
	}
	return t, nil
}

func pickSheet(f *excelize.File) (string, [][]string, error) {
	sheets := f.GetSheetList()
	for _, name := range sheets {
		if strings.EqualFold(strings.TrimSpace(name), preferredSheet) {
			rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
			if err != nil {
				return "", nil, fmt.Errorf("read sheet %q: %w", name, err)
			}
			return name, rows, nil
		}
	}

	for _, name := range sheets {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return "", nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		for _, cells := range rows {
			if !isBlank(cells) {
				return name, rows, nil
			}
		}
	}
	return "", nil, ErrEmptyInput
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
