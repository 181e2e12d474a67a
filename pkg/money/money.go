// Package money converts between gateway decimal strings and model.Money.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
)

const nanosPerUnit = 1_000_000_000

var (
	ErrMalformed = errors.New("malformed amount")
	ErrNegative  = errors.New("negative amount")
	ErrOverflow  = errors.New("amount out of range")
	ErrCurrency  = errors.New("currency mismatch")
	ErrPrecision = errors.New("more decimals than the currency allows")
)

// zeroDecimal lists the currencies the gateway only accepts whole amounts for.
var zeroDecimal = map[string]bool{
	"HUF": true,
	"JPY": true,
	"TWD": true,
}

// Decimals is the number of minor-unit digits the gateway accepts for currency.
func Decimals(currency string) int {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// minorUnit is the smallest representable step of currency, in nanos.
func minorUnit(currency string) int64 {
	if Decimals(currency) == 0 {
		return nanosPerUnit
	}
	return nanosPerUnit / 100
}

// CheckPrecision rejects amounts that cannot be sent without rounding,
// including non-zero amounts below the currency's smallest unit.
func CheckPrecision(m model.Money) error {
	if int64(m.Nanos)%minorUnit(m.CurrencyCode) != 0 {
		return ErrPrecision
	}
	return nil
}

// Parse reads a non-negative decimal such as "12", "12.5" or "12.345".
// At most nine fractional digits are kept.
func Parse(s, currency string) (model.Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.Money{}, ErrMalformed
	}
	if strings.HasPrefix(s, "-") {
		return model.Money{}, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || (frac != "" && !digits(frac)) || len(frac) > 9 {
		return model.Money{}, ErrMalformed
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return model.Money{}, ErrOverflow
	}
	var nanos int64
	if frac != "" {
		nanos, _ = strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	}
	return model.Money{CurrencyCode: strings.ToUpper(currency), Units: units, Nanos: int32(nanos)}, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Format renders m with the currency's decimals, rounding half up, the way
// the gateway expects amount values.
func Format(m model.Money) string {
	step := minorUnit(m.CurrencyCode)
	minor := (int64(m.Nanos) + step/2) / step
	units := m.Units
	if Decimals(m.CurrencyCode) == 0 {
		return strconv.FormatInt(units+minor, 10)
	}
	if minor >= 100 {
		units++
		minor -= 100
	}
	return fmt.Sprintf("%d.%02d", units, minor)
}

func IsZero(m model.Money) bool {
	return m.Units == 0 && m.Nanos == 0
}

// Add returns a+b. Both must carry the same currency.
func Add(a, b model.Money) (model.Money, error) {
	if a.CurrencyCode != b.CurrencyCode {
		return model.Money{}, ErrCurrency
	}
	units := a.Units + b.Units
	nanos := int64(a.Nanos) + int64(b.Nanos)
	if nanos >= nanosPerUnit {
		units++
		nanos -= nanosPerUnit
	}
	if units < a.Units {
		return model.Money{}, ErrOverflow
	}
	return model.Money{CurrencyCode: a.CurrencyCode, Units: units, Nanos: int32(nanos)}, nil
}

// MultiplyInt returns m*n for a non-negative n.
func MultiplyInt(m model.Money, n int64) (model.Money, error) {
	if n < 0 {
		return model.Money{}, ErrNegative
	}
	if n != 0 && m.Units > math.MaxInt64/n {
		return model.Money{}, ErrOverflow
	}
	total := int64(m.Nanos) * n
	return model.Money{
		CurrencyCode: m.CurrencyCode,
		Units:        m.Units*n + total/nanosPerUnit,
		Nanos:        int32(total % nanosPerUnit),
	}, nil
}
