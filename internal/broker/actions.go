package broker

import (
	"strings"

	"github.com/trade-ledger/internal/types"
)

type actionWords struct {
	action types.Action
	words  []string
}

// actionVocabulary is matched in order, so "dividend fee" is a dividend and
// "withdrawal fee" a withdrawal. Words prefixed with "=" must be the whole cell.
var actionVocabulary = []actionWords{
	{types.ActionSplit, []string{"stock split", "split", "rozdeleni akcii", "rozdeleni"}},
	{types.ActionDividend, []string{"dividend", "dividenda", "interest", "urok", "vynos", "=div"}},
	{types.ActionWithdrawal, []string{"withdrawal", "withdraw", "vyber", "vyplata", "payout"}},
	{types.ActionDeposit, []string{"deposit", "top-up", "topup", "vklad", "dobiti", "funding"}},
	{types.ActionFee, []string{"custody fee", "fee", "poplatek", "commission", "tax", "dan", "=charge"}},
	{types.ActionSell, []string{"sell", "sale", "sold", "prodej", "prodano", "=s"}},
	{types.ActionBuy, []string{"buy", "purchase", "bought", "nakup", "koupe", "koupeno", "=b"}},
}

// ParseActionWord maps an export's transaction type into a canonical action.
// Exact matches are tried before word matches; unknown words report false.
func ParseActionWord(s string) (types.Action, bool) {
	f := Fold(s)
	if f == "" {
		return "", false
	}
	if a, ok := types.ParseAction(f); ok {
		return a, true
	}

	for _, aw := range actionVocabulary {
		for _, w := range aw.words {
			if strings.TrimPrefix(w, "=") == f {
				return aw.action, true
			}
		}
	}

	tokens := strings.FieldsFunc(f, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/' || r == '(' || r == ')' || r == ',' || r == '_'
	})
	joined := " " + strings.Join(tokens, " ") + " "
	for _, aw := range actionVocabulary {
		for _, w := range aw.words {
			if strings.HasPrefix(w, "=") {
				continue
			}
			if strings.Contains(joined, " "+w+" ") || (len(w) > 4 && strings.Contains(f, w)) {
				return aw.action, true
			}
		}
	}
	return "", false
}

// isActionWord reports whether a bare cell reads as a transaction type
func isActionWord(s string) bool {
	_, ok := ParseActionWord(s)
	return ok
}
