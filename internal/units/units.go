// Package units converts raw token amounts into human decimal units and fiat
// values without passing through floating point.
package units

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of every EVM native asset (wei).
const NativeDecimals = 18

// GweiDecimals is the shift between gwei and the native unit.
const GweiDecimals = 9

// ToDecimal converts an integer amount in a token's smallest unit into a decimal
// amount. A decimals value of 0 is valid; negative decimals are rejected.
func ToDecimal(amountSmallestUnit string, decimals int) (decimal.Decimal, error) {
	if decimals < 0 {
		return decimal.Decimal{}, clierr.New(clierr.CodeMalformedQuote, "decimals must be >= 0")
	}
	n, err := ParseBaseUnits(amountSmallestUnit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(n, -int32(decimals)), nil
}

// ParseBaseUnits parses a non-negative base-10 integer string.
func ParseBaseUnits(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, clierr.New(clierr.CodeMalformedQuote, "amount is empty")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("amount %q is not an integer", raw))
	}
	if n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("amount %q is negative", raw))
	}
	return n, nil
}

// ParseHexWei decodes a hex quantity such as a transaction value. An empty
// string decodes to zero.
func ParseHexWei(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return big.NewInt(0), nil
	}
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("invalid hex quantity %q", raw))
	}
	return n, nil
}

// WeiToNative converts wei into native decimal units.
func WeiToNative(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -NativeDecimals)
}

// GweiToNative converts a decimal gwei value into native decimal units.
func GweiToNative(gwei decimal.Decimal) decimal.Decimal {
	return gwei.Shift(-GweiDecimals)
}

// ParseDecimal parses a decimal string such as a gas price in gwei.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid decimal %q", raw), err)
	}
	return d, nil
}

// Rate is an exchange rate that may be unknown. The zero value is absent.
type Rate struct {
	value decimal.Decimal
	ok    bool
}

// NoRate is the absent rate.
var NoRate = Rate{}

// NewRate wraps a known rate. Non-positive rates carry no information and
// are treated as absent.
func NewRate(d decimal.Decimal) Rate {
	if !d.IsPositive() {
		return NoRate
	}
	return Rate{value: d, ok: true}
}

// RateFromFloat wraps a rate delivered as a float by a price feed.
func RateFromFloat(f float64) Rate {
	return NewRate(decimal.NewFromFloat(f))
}

// RatePtr wraps an optional float rate.
func RatePtr(f *float64) Rate {
	if f == nil {
		return NoRate
	}
	return RateFromFloat(*f)
}

func (r Rate) Get() (decimal.Decimal, bool) { return r.value, r.ok }
func (r Rate) Valid() bool                  { return r.ok }

// Or returns r when present, otherwise fallback.
func (r Rate) Or(fallback Rate) Rate {
	if r.ok {
		return r
	}
	return fallback
}

func (r Rate) String() string {
	if !r.ok {
		return "<none>"
	}
	return r.value.String()
}

func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.ok {
		return []byte("null"), nil
	}
	return json.Marshal(r.value.String())
}

// ToFiat converts a decimal amount into fiat. It returns an absent value when
// the rate is unknown and never substitutes zero.
func ToFiat(amount decimal.Decimal, rate Rate) Fiat {
	r, ok := rate.Get()
	if !ok {
		return NoFiat
	}
	return SomeFiat(amount.Mul(r))
}

// Fiat is a fiat-denominated value that may be unknown. Unknown is distinct
// from zero.
type Fiat struct {
	value decimal.Decimal
	ok    bool
}

// NoFiat is the absent fiat value.
var NoFiat = Fiat{}

func SomeFiat(d decimal.Decimal) Fiat { return Fiat{value: d, ok: true} }

func (f Fiat) Get() (decimal.Decimal, bool) { return f.value, f.ok }
func (f Fiat) Valid() bool                  { return f.ok }

// OrZero returns the value or zero when absent. Only for comparisons that
// explicitly define absent as zero.
func (f Fiat) OrZero() decimal.Decimal {
	if !f.ok {
		return decimal.Zero
	}
	return f.value
}

// Sub returns f-o, absent when either side is absent.
func (f Fiat) Sub(o Fiat) Fiat {
	if !f.ok || !o.ok {
		return NoFiat
	}
	return SomeFiat(f.value.Sub(o.value))
}

// AddKnown sums two values treating an absent addend as zero. The result is
// absent only when both addends are absent.
func (f Fiat) AddKnown(o Fiat) Fiat {
	switch {
	case !f.ok && !o.ok:
		return NoFiat
	case !f.ok:
		return o
	case !o.ok:
		return f
	default:
		return SomeFiat(f.value.Add(o.value))
	}
}

// Equal compares presence and value.
func (f Fiat) Equal(o Fiat) bool {
	if f.ok != o.ok {
		return false
	}
	return !f.ok || f.value.Equal(o.value)
}

func (f Fiat) String() string {
	if !f.ok {
		return "<none>"
	}
	return f.value.String()
}

func (f Fiat) MarshalJSON() ([]byte, error) {
	if !f.ok {
		return []byte("null"), nil
	}
	return json.Marshal(f.value.String())
}

func (f *Fiat) UnmarshalJSON(buf []byte) error {
	if string(buf) == "null" {
		*f = NoFiat
		return nil
	}
	var raw string
	if err := json.Unmarshal(buf, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*f = SomeFiat(d)
	return nil
}
