// Package currency recovers currency codes and foreign amounts from the
// free-form amount and rate strings the upstream emits. Symbols are
// frequently mojibake after the transport re-encoding, so detection is
// a pipeline of prioritized matchers rather than a single regex.
package currency

import (
	"regexp"
	"strconv"
	"strings"
)

// Default currency for empty, numeric-only or unrecognized input.
const Default = "INR"

// Foreign is the structured result of ExtractForeign.
type Foreign struct {
	ForeignAmount float64
	Currency      string
	ExchangeRate  float64 // 0 when the text did not carry one
	BaseAmount    float64 // 0 when the text did not carry one
}

var (
	numberRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

	// A decimal literal followed by '?' and '=' or '@' is a foreign
	// currency line whose symbol got corrupted in transit.
	corruptedRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?\s*\?+\s*[@=]`)

	// AMOUNT SYM @ RATE/SYM = BASE
	fullFormRe = regexp.MustCompile(`(-?\d[\d,]*(?:\.\d+)?)\s*(\S{1,8}?)\s*@\s*(\d[\d,]*(?:\.\d+)?)\s*/\s*\S+\s*=\s*(-?\d[\d,]*(?:\.\d+)?)`)

	// AMOUNT SYM = BASE
	eqFormRe = regexp.MustCompile(`(-?\d[\d,]*(?:\.\d+)?)\s*([^\s=]{1,8}?)\s*=\s*(-?\d[\d,]*(?:\.\d+)?)`)

	// AMOUNT SYM and SYM AMOUNT
	amtSymRe = regexp.MustCompile(`^\s*(-?\d[\d,]*(?:\.\d+)?)\s*([^\d\s,.][^\d\s]{0,7})\s*$`)
	symAmtRe = regexp.MustCompile(`^\s*([^\d\s,.\-][^\d\s]{0,7})\s*(-?\d[\d,]*(?:\.\d+)?)\s*$`)

	// RATE/SYM inside a rate column, e.g. "500.00/nos" carries a unit,
	// "85.00/£" carries a currency symbol.
	rateSlashRe = regexp.MustCompile(`(-?\d[\d,]*(?:\.\d+)?)\s*/\s*(\S+)`)

	exchangeRateRe = regexp.MustCompile(`@\s*(\d[\d,]*(?:\.\d+)?)`)

	numericOnlyRe = regexp.MustCompile(`^\s*-?\d[\d,]*(?:\.\d+)?\s*$`)
)

// Known three-letter codes accepted verbatim, checked in order.
var knownCodes = []string{
	"USD", "EUR", "GBP", "AED", "SGD", "JPY", "AUD", "CAD", "CHF",
	"CNY", "HKD", "SAR", "LKR", "BDT", "INR",
}

// Mojibake families seen in production exports. Windows-1252 bytes of
// '£' and '€' surviving one or two bad decode round-trips.
var gbpMarkers = []string{"G�", "Â£", "£", "�£", "G?"}
var eurMarkers = []string{"â¬", "€", "Euro�"}

var symbolCodes = []struct {
	marker string
	code   string
}{
	{"₹", "INR"}, {"Rs.", "INR"}, {"Rs ", "INR"},
	{"£", "GBP"}, {"€", "EUR"}, {"$", "USD"}, {"¥", "JPY"},
	{"AED", "AED"}, {"USD", "USD"}, {"EUR", "EUR"}, {"GBP", "GBP"},
	{"SGD", "SGD"}, {"JPY", "JPY"},
}

var nameCodes = []struct {
	word string
	code string
}{
	{"dollar", "USD"}, {"euro", "EUR"}, {"pound", "GBP"},
	{"sterling", "GBP"}, {"rupee", "INR"}, {"dirham", "AED"},
	{"yen", "JPY"}, {"franc", "CHF"},
}

// ExtractCurrency returns the currency code detected in text, or INR
// for empty / numeric-only / unrecognized input.
func ExtractCurrency(text string) string {
	s := strings.TrimSpace(text)
	if s == "" || numericOnlyRe.MatchString(s) {
		return Default
	}

	if corruptedRe.MatchString(s) {
		return codeFromRate(extractExchangeRate(s))
	}

	for _, m := range gbpMarkers {
		if strings.Contains(s, m) {
			return "GBP"
		}
	}
	// A lone replacement char near '=' is the EUR corruption family.
	if strings.Contains(s, "�") && strings.Contains(s, "=") {
		return "EUR"
	}

	upper := strings.ToUpper(s)
	for _, code := range knownCodes {
		if containsWord(upper, code) {
			return code
		}
	}
	for _, sc := range symbolCodes {
		if strings.Contains(s, sc.marker) {
			return sc.code
		}
	}

	lower := strings.ToLower(s)
	for _, nc := range nameCodes {
		if strings.Contains(lower, nc.word) {
			return nc.code
		}
	}

	return Default
}

// ExtractForeign parses a voucher amount string into its foreign
// amount, currency, exchange rate and base amount, trying the richest
// format first.
func ExtractForeign(text string) Foreign {
	s := strings.TrimSpace(text)
	if s == "" {
		return Foreign{Currency: Default}
	}
	if numericOnlyRe.MatchString(s) {
		return Foreign{ForeignAmount: parseNumber(s), Currency: Default}
	}

	// AMOUNT SYM @ RATE/SYM = BASE is strictly more informative than
	// the shorter forms, so it wins.
	if m := fullFormRe.FindStringSubmatch(s); m != nil {
		return Foreign{
			ForeignAmount: parseNumber(m[1]),
			Currency:      currencyOf(m[2], s),
			ExchangeRate:  parseNumber(m[3]),
			BaseAmount:    parseNumber(m[4]),
		}
	}

	if m := eqFormRe.FindStringSubmatch(s); m != nil {
		f := Foreign{
			ForeignAmount: parseNumber(m[1]),
			Currency:      currencyOf(m[2], s),
			BaseAmount:    parseNumber(m[3]),
		}
		if f.ForeignAmount != 0 {
			f.ExchangeRate = f.BaseAmount / f.ForeignAmount
			if f.ExchangeRate < 0 {
				f.ExchangeRate = -f.ExchangeRate
			}
		}
		return f
	}

	if m := amtSymRe.FindStringSubmatch(s); m != nil {
		return Foreign{ForeignAmount: parseNumber(m[1]), Currency: currencyOf(m[2], s)}
	}
	if m := symAmtRe.FindStringSubmatch(s); m != nil {
		return Foreign{ForeignAmount: parseNumber(m[2]), Currency: currencyOf(m[1], s)}
	}

	// Fallback: first decimal with symbol-based detection.
	if n := numberRe.FindString(s); n != "" {
		return Foreign{ForeignAmount: parseNumber(n), Currency: ExtractCurrency(s)}
	}
	return Foreign{Currency: Default}
}

// ExtractRateAndCurrency parses a rate column such as "500.00/nos" or
// "£ 12.50/pcs = 1062.50" into (foreign amount, currency, base amount).
func ExtractRateAndCurrency(rateText string) (float64, string, float64) {
	s := strings.TrimSpace(rateText)
	if s == "" {
		return 0, Default, 0
	}
	f := ExtractForeign(s)
	if f.BaseAmount != 0 || f.Currency != Default {
		return f.ForeignAmount, f.Currency, f.BaseAmount
	}
	if m := rateSlashRe.FindStringSubmatch(s); m != nil {
		return parseNumber(m[1]), ExtractCurrency(s), 0
	}
	return f.ForeignAmount, f.Currency, f.BaseAmount
}

// UnitFromRate recovers the trailing "/unit" of a rate column, e.g.
// "500.00/nos" -> "nos". Returns "" when the suffix is a currency
// symbol rather than a unit.
func UnitFromRate(rateText string) string {
	m := rateSlashRe.FindStringSubmatch(rateText)
	if m == nil {
		return ""
	}
	unit := strings.TrimSpace(m[2])
	if ExtractCurrency(unit) != Default {
		return ""
	}
	// Strip anything after the unit token ("nos = 500" etc).
	if i := strings.IndexAny(unit, " =@"); i >= 0 {
		unit = unit[:i]
	}
	return unit
}

// codeFromRate maps an exchange rate band to the most likely currency
// for a corrupted-symbol line. Bands reflect historical INR rates.
func codeFromRate(rate float64) string {
	switch {
	case rate >= 95 && rate <= 115:
		return "GBP"
	case rate >= 85 && rate < 95:
		return "EUR"
	case rate >= 75 && rate < 85:
		return "USD"
	default:
		return "EUR"
	}
}

func extractExchangeRate(s string) float64 {
	if m := exchangeRateRe.FindStringSubmatch(s); m != nil {
		return parseNumber(m[1])
	}
	return 0
}

func currencyOf(symbol, whole string) string {
	if corruptedRe.MatchString(whole) {
		return codeFromRate(extractExchangeRate(whole))
	}
	if c := ExtractCurrency(symbol); c != Default {
		return c
	}
	if c := ExtractCurrency(whole); c != Default {
		return c
	}
	// An unrecognized non-numeric token next to an amount in a
	// structured form is a corrupted symbol; the rate band is the
	// only signal left.
	if r := extractExchangeRate(whole); r > 0 {
		return codeFromRate(r)
	}
	return Default
}

func containsWord(s, word string) bool {
	i := strings.Index(s, word)
	for i >= 0 {
		before := i == 0 || !isAlnum(s[i-1])
		after := i+len(word) >= len(s) || !isAlnum(s[i+len(word)])
		if before && after {
			return true
		}
		next := strings.Index(s[i+1:], word)
		if next < 0 {
			return false
		}
		i += 1 + next
	}
	return false
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func parseNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
