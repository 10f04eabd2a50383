package broker

import "strings"

// Role is the meaning of a column in a broker export
type Role string

const (
	RoleISIN          Role = "isin"
	RoleTicker        Role = "ticker"
	RoleSymbol        Role = "symbol"
	RoleName          Role = "name"
	RoleAction        Role = "action"
	RoleQuantity      Role = "quantity"
	RolePrice         Role = "price"
	RoleTotal         Role = "total"
	RoleFee           Role = "fee"
	RoleCurrency      Role = "currency"
	RoleTotalCurrency Role = "totalCurrency"
	RoleDate          Role = "date"
	RoleTime          Role = "time"
	RoleRatio         Role = "ratio"
	RoleFxRate        Role = "fxRate"
	RoleComment       Role = "comment"

	// RoleFeeCurrency is never matched by name; brokers that print the fee
	// currency in an unnamed column bind it themselves
	RoleFeeCurrency Role = "feeCurrency"
)

// roleSpec lists folded header synonyms for a role in priority order.
// A header containing any exclusion is never bound to the role. Synonyms
// prefixed with "=" only match a whole header.
type roleSpec struct {
	role     Role
	synonyms []string
	exclude  []string
}

// roleTable is bound top to bottom; a column taken by an earlier role is not
// available to later ones.
var roleTable = []roleSpec{
	{role: RoleISIN, synonyms: []string{"isin"}},
	{role: RoleTicker, synonyms: []string{"ticker", "ticker symbol"}},
	{role: RoleSymbol, synonyms: []string{"symbol", "instrument", "security", "stock", "asset", "akcie", "titul", "cenny papir"},
		exclude: []string{"name", "nazev", "currency"}},
	{role: RoleName, synonyms: []string{"name", "description", "product", "produkt", "nazev", "popis", "company", "spolecnost"},
		exclude: []string{"currency"}},
	{role: RoleAction, synonyms: []string{"action", "type", "side", "buy/sell", "transaction type", "operation", "typ", "typ transakce", "typ obchodu", "smer", "operace", "druh", "akce"},
		exclude: []string{"order type", "currency"}},
	{role: RoleRatio, synonyms: []string{"ratio", "split ratio", "split factor", "pomer", "pomer splitu"}},
	{role: RoleFxRate, synonyms: []string{"exchange rate", "fx rate", "smenny kurz", "kurz meny"}},
	{role: RoleFee, synonyms: []string{"fee", "fees", "commission", "ibcommission", "poplatek", "poplatky", "provize", "komise", "transaction costs", "naklady"},
		exclude: []string{"currency (", "mena ("}},
	{role: RoleTotalCurrency, synonyms: []string{"currency (total)", "mena (celkem)"}},
	{role: RoleCurrency, synonyms: []string{"currency", "currencyprimary", "ccy", "mena", "waehrung"},
		exclude: []string{"fee", "conversion", "poplatek"}},
	{role: RolePrice, synonyms: []string{"price", "price / share", "price per share", "tradeprice", "unit price", "open price", "cena", "cena za kus", "jednotkova cena", "oteviraci cena", "kurz"},
		exclude: []string{"exchange", "smenny", "fx", "currency (", "total", "celkem"}},
	{role: RoleQuantity, synonyms: []string{"quantity", "qty", "no. of shares", "shares", "units", "volume", "pocet", "pocet kusu", "mnozstvi", "objem", "kusy", "=ks"},
		exclude: []string{"price", "cena", "value", "currency"}},
	{role: RoleTotal, synonyms: []string{"total", "total amount", "amount", "value", "net amount", "proceeds", "hodnota", "celkem", "castka", "objem obchodu"},
		exclude: []string{"currency (", "mena (", "tax", "fee", "poplatek"}},
	{role: RoleDate, synonyms: []string{"date", "trade date", "tradedate", "datetime", "date/time", "datum", "datum obchodu", "time", "open time", "cas otevreni", "=cas"}},
	{role: RoleTime, synonyms: []string{"time", "=cas"}},
	{role: RoleComment, synonyms: []string{"comment", "notes", "note", "poznamka", "komentar"}},
}

// bindColumns assigns header columns to roles. Broker extras are tried before
// the shared synonyms of the same role. An exact folded match anywhere in the
// header wins over a substring match.
func bindColumns(folded []string, extras map[Role][]string) map[Role]int {
	bound := make(map[Role]int)
	used := make(map[int]bool)

	for _, spec := range roleTable {
		synonyms := append(append([]string{}, extras[spec.role]...), spec.synonyms...)
		if col, ok := findColumn(folded, synonyms, spec.exclude, used, true); ok {
			bound[spec.role] = col
			used[col] = true
			continue
		}
		if col, ok := findColumn(folded, synonyms, spec.exclude, used, false); ok {
			bound[spec.role] = col
			used[col] = true
		}
	}
	return bound
}

func findColumn(folded, synonyms, exclude []string, used map[int]bool, exact bool) (int, bool) {
	for _, syn := range synonyms {
		wholeOnly := strings.HasPrefix(syn, "=")
		syn = strings.TrimPrefix(syn, "=")
		for i, h := range folded {
			if used[i] || h == "" || excluded(h, exclude) {
				continue
			}
			if exact && h == syn {
				return i, true
			}
			if !exact && !wholeOnly && len(syn) > 2 && strings.Contains(h, syn) {
				return i, true
			}
		}
	}
	return 0, false
}

func excluded(h string, exclude []string) bool {
	for _, x := range exclude {
		if strings.Contains(h, x) {
			return true
		}
	}
	return false
}
