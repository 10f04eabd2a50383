package tabular

import (
	"strings"
)

var candidateDelimiters = []rune{',', ';', '\t'}

type record struct {
	line int
	raw  string
}

// DecodeCSV decodes delimited text. The delimiter is the first of ',', ';' or
// tab in the header line (outside quotes) that splits the next record into the
// same number of fields. An Excel "sep=X" preamble line overrides detection.
func DecodeCSV(data []byte) (*Table, error) {
	text, err := toUTF8(data)
	if err != nil {
		return nil, err
	}

	records, err := scanRecords(string(text))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	var delim rune
	if d, ok := sepDirective(records[0].raw); ok {
		delim = d
		records = records[1:]
		if len(records) == 0 {
			return nil, ErrEmptyInput
		}
	} else {
		var next string
		if len(records) > 1 {
			next = records[1].raw
		}
		delim = detectDelimiter(records[0].raw, next)
	}

	t := &Table{
		Header:    trimAll(splitFields(records[0].raw, delim)),
		Delimiter: delim,
	}
	for _, rec := range records[1:] {
		t.Rows = append(t.Rows, Row{
			Line:  rec.line,
			Raw:   rec.raw,
			Cells: splitFields(rec.raw, delim),
		})
	}
	return t, nil
}

// scanRecords splits text into records. A newline inside double quotes
// belongs to the field; blank records are dropped.
func scanRecords(text string) ([]record, error) {
	var (
		records []record
		start   int
		line    = 1
		recLine = 1
		inQuote bool
	)

	flush := func(end int) {
		raw := strings.TrimRight(text[start:end], "\r\n")
		if strings.TrimSpace(raw) != "" {
			records = append(records, record{line: recLine, raw: raw})
		}
	}

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '"':
			inQuote = !inQuote
		case '\n':
			line++
			if !inQuote {
				flush(i)
				start = i + 1
				recLine = line
			}
		}
	}
	if inQuote {
		return nil, ErrUnterminatedQuote
	}
	if start < len(text) {
		flush(len(text))
	}
	return records, nil
}

func sepDirective(raw string) (rune, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(lower, "sep=") {
		return 0, false
	}
	rest := []rune(strings.TrimPrefix(lower, "sep="))
	if len(rest) != 1 {
		return 0, false
	}
	if rest[0] == 't' {
		return '\t', true
	}
	for _, d := range candidateDelimiters {
		if rest[0] == d {
			return d, true
		}
	}
	return 0, false
}

func detectDelimiter(header, next string) rune {
	seen := delimitersInOrder(header)
	if len(seen) == 0 {
		return ','
	}
	if next != "" {
		for _, d := range seen {
			n := len(splitFields(header, d))
			if n > 1 && n == len(splitFields(next, d)) {
				return d
			}
		}
	}
	return seen[0]
}

// delimitersInOrder lists candidate delimiters by first appearance outside quotes
func delimitersInOrder(s string) []rune {
	var (
		out     []rune
		inQuote bool
	)
	for _, r := range s {
		if r == '"' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		for _, d := range candidateDelimiters {
			if r == d && !containsRune(out, d) {
				out = append(out, d)
			}
		}
	}
	return out
}

// splitFields splits one record. Quoted fields may contain the delimiter,
// newlines and "" escapes; unquoted fields are trimmed.
func splitFields(raw string, delim rune) []string {
	var (
		fields []string
		b      strings.Builder
		runes  = []rune(raw)
	)

	for i := 0; i <= len(runes); {
		// start of a field
		j := i
		for j < len(runes) && (runes[j] == ' ' || (runes[j] == '\t' && delim != '\t')) {
			j++
		}
		if j < len(runes) && runes[j] == '"' {
			b.Reset()
			j++
			for j < len(runes) {
				if runes[j] == '"' {
					if j+1 < len(runes) && runes[j+1] == '"' {
						b.WriteRune('"')
						j += 2
						continue
					}
					j++
					break
				}
				b.WriteRune(runes[j])
				j++
			}
			// text between the closing quote and the delimiter is kept
			for j < len(runes) && runes[j] != delim {
				b.WriteRune(runes[j])
				j++
			}
			fields = append(fields, strings.TrimRight(b.String(), " "))
		} else {
			k := i
			for k < len(runes) && runes[k] != delim {
				k++
			}
			fields = append(fields, strings.TrimSpace(string(runes[i:k])))
			j = k
		}
		// j is at a delimiter or the end
		if j >= len(runes) {
			break
		}
		i = j + 1
		if i == len(runes) {
			fields = append(fields, "")
			break
		}
	}
	return fields
}

func trimAll(cells []string) []string {
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func containsRune(rs []rune, r rune) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}
