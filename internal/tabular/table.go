// Package tabular decodes delimited text and spreadsheet exports into rows of
// string cells, keeping the source text of each row for hashing.
package tabular

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyInput is returned when the input holds no non-blank row
	ErrEmptyInput = errors.New("tabular: empty input")
	// ErrUnterminatedQuote is returned when a quoted field runs to end of input
	ErrUnterminatedQuote = errors.New("tabular: unterminated quoted field")
)

// Row is one decoded data record
type Row struct {
	Line  int      // 1-based line (CSV) or row number (sheet) where the record starts
	Raw   string   // source text of the record, input to the dedup hash
	Cells []string // decoded cell values
}

// Cell returns the trimmed cell at i, or "" when the row is shorter
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return strings.TrimSpace(r.Cells[i])
}

// Table is a decoded export: a header row followed by data rows
type Table struct {
	Header    []string
	Rows      []Row
	Delimiter rune
	Sheet     string
}

var zipMagic = []byte("PK\x03\x04")

// Decode dispatches on the file extension and magic bytes
func Decode(name string, data []byte) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".xlsx" || ext == ".xlsm" || bytes.HasPrefix(data, zipMagic) {
		return DecodeXLSX(bytes.NewReader(data))
	}
	return DecodeCSV(data)
}

// RenderCSV renders cells as one comma-delimited line, quoting where needed
func RenderCSV(cells []string) string {
	var b strings.Builder
	for i, c := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		if strings.ContainsAny(c, ",\"\r\n;\t") {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(c, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(c)
	}
	return b.String()
}

// FromCells builds a table from pre-split cells, rendering each row as CSV for
// its raw text. A row with an explicit raw line keeps it.
func FromCells(header []string, rows [][]string, raws []string) *Table {
	t := &Table{Header: header, Delimiter: ','}
	for i, cells := range rows {
		raw := ""
		if i < len(raws) {
			raw = raws[i]
		}
		if raw == "" {
			raw = RenderCSV(cells)
		}
		t.Rows = append(t.Rows, Row{Line: i + 2, Raw: raw, Cells: cells})
	}
	return t
}
