package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose minor unit equals the major unit. Processors send these
// amounts undivided.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// MajorUnits converts a processor minor-unit amount (cents, paise) into
// major currency units.
func MajorUnits(minor int64, currency string) decimal.Decimal {
	cur := strings.ToUpper(currency)
	if _, ok := zeroDecimalCurrencies[cur]; ok {
		return decimal.NewFromInt(minor)
	}
	return decimal.NewFromInt(minor).Shift(-2)
}

// MinorUnits converts a major-unit amount into the processor's minor unit.
// The inverse of MajorUnits for any representable amount.
func MinorUnits(major decimal.Decimal, currency string) int64 {
	cur := strings.ToUpper(currency)
	if _, ok := zeroDecimalCurrencies[cur]; ok {
		return major.Round(0).IntPart()
	}
	return major.Shift(2).Round(0).IntPart()
}
