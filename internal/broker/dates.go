package broker

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006.01.02 15:04:05",
	"2006.01.02",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"2.1.2006",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
	"02-01-2006",
	"20060102 150405",
	"20060102",
	"02 Jan 2006",
	"Jan 2, 2006",
}

var (
	slashDate   = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2}|\d{4})(?:[ T,]+(\d{1,2}):(\d{2})(?::(\d{2}))?)?$`)
	czechSpaces = regexp.MustCompile(`\.\s+(\d)`)
	dateLike    = regexp.MustCompile(`^\d{1,4}[-./]\s?\d{1,2}[-./]\s?\d{1,4}`)
	compactDate = regexp.MustCompile(`^(19|20)\d{6}(?:[;, ]\d{4,6})?$`)
	timeOnly    = regexp.MustCompile(`^\d{1,2}:\d{2}(?::\d{2})?$`)
)

// Excel serial day numbers accepted in a bound date column (1954 to 2118)
const (
	minExcelSerial = 20000
	maxExcelSerial = 80000
)

// parseDate reads an export date in UTC. Slash dates are day-first unless the
// second part cannot be a month. Excel serial numbers are accepted only when
// allowSerial is set, since a bare number in an unlabeled column is more
// likely an amount.
func parseDate(s string, allowSerial bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if compactDate.MatchString(s) {
		// IBKR writes "20240102;093015"
		s = strings.NewReplacer(";", " ", ",", " ").Replace(s)
		if len(s) == len("20060102 1504") {
			s += "00"
		}
	}
	s = czechSpaces.ReplaceAllString(s, ".$1")

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	if m := slashDate.FindStringSubmatch(s); m != nil {
		return parseSlashDate(m)
	}

	if allowSerial {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= minExcelSerial && f <= maxExcelSerial {
			if t, err := excelize.ExcelDateToTime(f, false); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func parseSlashDate(m []string) (time.Time, bool) {
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if year < 100 {
		year += 2000
	}

	day, month := a, b
	if b > 12 && a <= 12 {
		day, month = b, a
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}

	var hh, mm, ss int
	if m[4] != "" {
		hh, _ = strconv.Atoi(m[4])
		mm, _ = strconv.Atoi(m[5])
		if m[6] != "" {
			ss, _ = strconv.Atoi(m[6])
		}
	}
	t := time.Date(year, time.Month(month), day, hh, mm, ss, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// withTime adds a separate time-of-day cell to a date without one
func withTime(d time.Time, timeCell string) time.Time {
	timeCell = strings.TrimSpace(timeCell)
	if timeCell == "" || !timeOnly.MatchString(timeCell) {
		return d
	}
	if d.Hour() != 0 || d.Minute() != 0 || d.Second() != 0 {
		return d
	}
	parts := strings.Split(timeCell, ":")
	hh, _ := strconv.Atoi(parts[0])
	mm, _ := strconv.Atoi(parts[1])
	ss := 0
	if len(parts) == 3 {
		ss, _ = strconv.Atoi(parts[2])
	}
	return d.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second)
}

// looksLikeDate reports whether a cell in an unlabeled column reads as a date
func looksLikeDate(s string) bool {
	s = strings.TrimSpace(s)
	if !dateLike.MatchString(s) && !compactDate.MatchString(s) {
		return false
	}
	_, ok := parseDate(s, false)
	return ok
}
