// Package numparse converts locale-ambiguous numeric strings from broker
// exports into exact decimals.
package numparse

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Parse converts s into an exact decimal. It accepts currency symbols and
// codes, space/NBSP/apostrophe grouping, either ',' or '.' as the decimal
// mark, accounting parentheses, leading or trailing minus and scientific
// notation. The boolean is false for empty or non-numeric input; callers treat
// that as a missing value.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	cleaned, ok := clean(s)
	if !ok {
		return decimal.Zero, false
	}

	mantissa, exponent := cleaned, ""
	if i := strings.IndexByte(cleaned, 'e'); i >= 0 {
		mantissa, exponent = cleaned[:i], cleaned[i+1:]
		if !validExponent(exponent) {
			return decimal.Zero, false
		}
	}

	mantissa, signNeg, ok := stripSign(mantissa)
	if !ok {
		return decimal.Zero, false
	}
	if signNeg {
		neg = !neg
	}

	normalized, ok := normalizeSeparators(mantissa)
	if !ok {
		return decimal.Zero, false
	}
	if exponent != "" {
		normalized += "e" + exponent
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// MustParse is Parse for literals in tests. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("numparse: invalid number " + s)
	}
	return d
}

var ratioPattern = regexp.MustCompile(`(?i)^\s*([0-9.,]+)\s*(?::|/|-?\s*for\s*-?)\s*([0-9.,]+)\s*$`)

// ParseRatio parses a split ratio such as "2:1", "2-for-1", "1:10" or a bare
// factor "2" into new shares per old share. Only positive factors are valid.
func ParseRatio(s string) (decimal.Decimal, bool) {
	if m := ratioPattern.FindStringSubmatch(s); m != nil {
		newShares, ok1 := Parse(m[1])
		oldShares, ok2 := Parse(m[2])
		if !ok1 || !ok2 || !newShares.IsPositive() || !oldShares.IsPositive() {
			return decimal.Zero, false
		}
		return newShares.Div(oldShares), true
	}
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// clean keeps digits, separators, signs and an exponent marker. Letters are
// allowed only as standalone currency tokens; a letter touching a digit (an
// ISIN, a ticker like 3M) makes the input non-numeric.
func clean(s string) (string, bool) {
	runes := []rune(s)
	var b strings.Builder
	digits := 0

	for i, r := range runes {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '.' || r == ',':
			b.WriteRune(r)
		case r == '-' || r == '\u2212' || r == '\u2013':
			b.WriteByte('-')
		case r == '+':
			b.WriteByte('+')
		case (r == 'e' || r == 'E') && isExponentMarker(runes, i):
			b.WriteByte('e')
		case unicode.IsSpace(r):
		case r == '\'' || r == '\u2019':
		case unicode.Is(unicode.Sc, r):
		case unicode.IsLetter(r):
			if touchesDigit(runes, i) {
				return "", false
			}
		default:
			return "", false
		}
	}

	if digits == 0 {
		return "", false
	}
	return b.String(), true
}

func isExponentMarker(runes []rune, i int) bool {
	if i == 0 || i+1 >= len(runes) || !unicode.IsDigit(runes[i-1]) {
		return false
	}
	next := runes[i+1]
	if next == '+' || next == '-' {
		return i+2 < len(runes) && unicode.IsDigit(runes[i+2])
	}
	return unicode.IsDigit(next)
}

func touchesDigit(runes []rune, i int) bool {
	if i > 0 && unicode.IsDigit(runes[i-1]) {
		return true
	}
	return i+1 < len(runes) && unicode.IsDigit(runes[i+1])
}

func validExponent(e string) bool {
	e = strings.TrimPrefix(strings.TrimPrefix(e, "+"), "-")
	if e == "" {
		return false
	}
	for _, r := range e {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripSign accepts one sign at the start or a minus at the end.
func stripSign(m string) (string, bool, bool) {
	neg := false
	switch {
	case strings.HasPrefix(m, "-"):
		neg, m = true, m[1:]
	case strings.HasPrefix(m, "+"):
		m = m[1:]
	case strings.HasSuffix(m, "-"):
		neg, m = true, m[:len(m)-1]
	}
	if strings.ContainsAny(m, "+-") || m == "" {
		return "", false, false
	}
	return m, neg, true
}

// normalizeSeparators resolves which of ',' and '.' is the decimal mark and
// returns a plain "123.45" string.
func normalizeSeparators(m string) (string, bool) {
	commas := strings.Count(m, ",")
	dots := strings.Count(m, ".")

	var out string
	switch {
	case commas > 0 && dots > 0:
		decimalMark, thousands := ".", ","
		if strings.LastIndex(m, ",") > strings.LastIndex(m, ".") {
			decimalMark, thousands = ",", "."
		}
		if strings.Count(m, decimalMark) > 1 {
			return "", false
		}
		out = strings.ReplaceAll(m, thousands, "")
		out = strings.Replace(out, decimalMark, ".", 1)
	case commas == 1:
		after := len(m) - strings.Index(m, ",") - 1
		if after <= 3 {
			out = strings.Replace(m, ",", ".", 1)
		} else {
			out = strings.ReplaceAll(m, ",", "")
		}
	case commas > 1:
		out = strings.ReplaceAll(m, ",", "")
	case dots > 1:
		out = strings.ReplaceAll(m, ".", "")
	default:
		out = m
	}

	out = strings.TrimSuffix(out, ".")
	out = strings.TrimPrefix(out, ".")
	if out == "" {
		return "", false
	}
	if strings.HasPrefix(m, ".") || strings.HasPrefix(m, ",") {
		out = "0." + strings.TrimPrefix(out, "0.")
	}
	for _, r := range out {
		if (r < '0' || r > '9') && r != '.' {
			return "", false
		}
	}
	return out, true
}
