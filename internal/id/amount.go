package id

import (
	"fmt"
	"regexp"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// NormalizeAmount accepts exactly one of a base-unit integer or a decimal
// amount and returns both forms.
func NormalizeAmount(baseUnits, decimalAmount string, decimals int) (string, string, error) {
	if baseUnits != "" && decimalAmount != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either --amount or --amount-decimal, not both")
	}
	if baseUnits == "" && decimalAmount == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		d, err := units.ToDecimal(baseUnits, decimals)
		if err != nil {
			return "", "", clierr.Wrap(clierr.CodeUsage, "--amount must be a non-negative integer string", err)
		}
		return d.Shift(int32(decimals)).String(), d.String(), nil
	}

	if !decimalPattern.MatchString(decimalAmount) {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be in decimal form like 1.23")
	}
	d, err := decimal.NewFromString(decimalAmount)
	if err != nil {
		return "", "", clierr.Wrap(clierr.CodeUsage, "invalid decimal amount", err)
	}
	if -d.Exponent() > int32(decimals) && !d.Equal(d.Truncate(int32(decimals))) {
		return "", "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	return d.Shift(int32(decimals)).BigInt().String(), d.String(), nil
}

// FormatDecimal converts base-unit integer strings into decimal strings.
func FormatDecimal(baseUnits string, decimals int) string {
	d, err := units.ToDecimal(baseUnits, decimals)
	if err != nil {
		return baseUnits
	}
	return d.String()
}
