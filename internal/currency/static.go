package currency

import "github.com/shopspring/decimal"

// staticRates are approximate units of each currency per 1 USD. They are a
// last resort when the rate provider is unreachable.
var staticRates = map[string]decimal.Decimal{
	"USD_EUR": decimal.RequireFromString("0.92"),
	"USD_GBP": decimal.RequireFromString("0.79"),
	"USD_JPY": decimal.RequireFromString("150.0"),
	"USD_CAD": decimal.RequireFromString("1.36"),
	"USD_AUD": decimal.RequireFromString("1.52"),
	"USD_CHF": decimal.RequireFromString("0.88"),
	"USD_CNY": decimal.RequireFromString("7.20"),
	"USD_INR": decimal.RequireFromString("83.0"),
	"USD_MXN": decimal.RequireFromString("17.0"),
	"USD_BRL": decimal.RequireFromString("4.95"),
	"USD_SEK": decimal.RequireFromString("10.5"),
	"USD_PLN": decimal.RequireFromString("4.0"),
	"USD_RUB": decimal.RequireFromString("90.0"),
}

// staticRate resolves from->to by direct pair, then a cross rate through USD,
// then the inverse pair.
func staticRate(from, to string) (decimal.Decimal, bool) {
	if r, ok := staticRates[from+"_"+to]; ok {
		return r, true
	}
	fromUSD, okFrom := staticRates["USD_"+from]
	toUSD, okTo := staticRates["USD_"+to]
	if okFrom && okTo && !fromUSD.IsZero() {
		return toUSD.Div(fromUSD), true
	}
	if r, ok := staticRates[to+"_"+from]; ok && !r.IsZero() {
		return decimal.NewFromInt(1).Div(r), true
	}
	return decimal.Decimal{}, false
}
