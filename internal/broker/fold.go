package broker

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s, strips diacritics and collapses whitespace so that
// "Počet kusů" and "pocet  kusu" compare equal.
func Fold(s string) string {
	// transformer chains keep state, so one is built per call
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// foldAll folds every header cell
func foldAll(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = Fold(c)
	}
	return out
}

// joinFolded builds the pipe-joined header used by the format predicates
func joinFolded(folded []string) string {
	return "|" + strings.Join(folded, "|") + "|"
}
