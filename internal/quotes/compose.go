// Package quotes turns raw aggregator quotes into composed quotes carrying
// received and sent amounts, swap rate, fees, adjusted return and cost.
//
// Composition is a projection: the same batch and the same inputs always
// produce identical output, and raw quotes are never modified.
package quotes

import (
	"fmt"
	"math/big"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/fees"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Rates is one exchange-rate snapshot for a request.
type Rates struct {
	// SrcToken and DestToken are live per-asset rates.
	SrcToken  units.Rate
	DestToken units.Rate
	// SrcNative prices the source chain's native asset; fees are paid in it.
	SrcNative units.Rate
	// DestNativeCached is the cached native-currency rate of the destination
	// chain, used when the destination chain is not added to the wallet.
	DestNativeCached units.Rate
}

// SrcRate returns the rate for the source asset: the native rate when the
// source is native, the token rate otherwise.
func (r Rates) SrcRate(srcIsNative bool) units.Rate {
	if srcIsNative {
		return r.SrcNative
	}
	return r.SrcToken
}

// DestRate returns the live destination rate, falling back to the cached
// native rate when the destination asset is native.
func (r Rates) DestRate(destIsNative bool) units.Rate {
	if destIsNative {
		return r.DestToken.Or(r.DestNativeCached)
	}
	return r.DestToken
}

// Inputs is everything besides the raw quote that composition reads.
type Inputs struct {
	Gas   fees.GasPrice
	Rates Rates
}

// Dropped records a quote that could not be composed.
type Dropped struct {
	Index    int    `json:"index"`
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// Result is the output of composing one batch.
type Result struct {
	Quotes  []model.ComposedQuote
	Dropped []Dropped
}

type Composer struct {
	calc fees.Calculator
	log  zerolog.Logger
}

func NewComposer(calc fees.Calculator, log zerolog.Logger) *Composer {
	return &Composer{calc: calc, log: log}
}

// Compose composes every quote of a batch in input order. Malformed quotes
// are dropped and reported; they never fail the batch.
func (c *Composer) Compose(batch []model.QuoteResponse, in Inputs) Result {
	out := Result{Quotes: make([]model.ComposedQuote, 0, len(batch))}
	for i, raw := range batch {
		composed, err := c.ComposeOne(raw, in)
		if err != nil {
			out.Dropped = append(out.Dropped, Dropped{
				Index:    i,
				Identity: raw.Quote.Identity(),
				Reason:   err.Error(),
				Err:      err,
			})
			c.log.Warn().Int("index", i).Str("identity", raw.Quote.Identity()).Err(err).Msg("dropping malformed quote")
			continue
		}
		out.Quotes = append(out.Quotes, composed)
	}
	return out
}

// ComposeOne derives the metrics of a single quote.
func (c *Composer) ComposeOne(raw model.QuoteResponse, in Inputs) (model.ComposedQuote, error) {
	if raw.Trade == nil {
		return model.ComposedQuote{}, clierr.New(clierr.CodeMalformedQuote, "quote has no trade")
	}
	q := raw.Quote
	srcDecimals, err := requireDecimals(q.SrcAsset, "source")
	if err != nil {
		return model.ComposedQuote{}, err
	}
	destDecimals, err := requireDecimals(q.DestAsset, "destination")
	if err != nil {
		return model.ComposedQuote{}, err
	}

	toAmount, err := units.ToDecimal(q.DestTokenAmount, destDecimals)
	if err != nil {
		return model.ComposedQuote{}, err
	}
	destRate := in.Rates.DestRate(id.IsNativeAddress(q.DestAsset.Address))

	sentAmount, err := sentDecimal(q, srcDecimals)
	if err != nil {
		return model.ComposedQuote{}, err
	}
	srcRate := in.Rates.SrcRate(id.IsNativeAddress(q.SrcAsset.Address))

	breakdown, err := c.calc.Fees(raw, in.Gas, in.Rates.SrcNative)
	if err != nil {
		return model.ComposedQuote{}, err
	}

	received := model.Amount{Amount: toAmount, ValueInCurrency: units.ToFiat(toAmount, destRate)}
	sent := model.Amount{Amount: sentAmount, ValueInCurrency: units.ToFiat(sentAmount, srcRate)}
	adjusted := received.ValueInCurrency.Sub(breakdown.Total.ValueInCurrency)

	return model.ComposedQuote{
		QuoteResponse:   raw,
		Identity:        q.Identity(),
		ToTokenAmount:   received,
		SentAmount:      sent,
		SwapRate:        SwapRate(toAmount, sentAmount),
		GasFee:          breakdown.Gas,
		RelayerFee:      breakdown.Relayer,
		TotalNetworkFee: breakdown.Total,
		AdjustedReturn:  adjusted,
		Cost:            adjusted.Sub(sent.ValueInCurrency),
	}, nil
}

// SwapRate is received/sent, absent when sent is zero.
func SwapRate(received, sent decimal.Decimal) decimal.NullDecimal {
	if sent.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(received.Div(sent))
}

// FromAmountInFiat values the validated request amount, using the native
// rate for native source assets.
func FromAmountInFiat(amount decimal.Decimal, srcIsNative bool, rates Rates) units.Fiat {
	return units.ToFiat(amount, rates.SrcRate(srcIsNative))
}

func requireDecimals(asset model.TokenInfo, side string) (int, error) {
	if asset.Decimals == nil {
		return 0, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("%s asset %s has no decimals", side, asset.Address))
	}
	if *asset.Decimals < 0 {
		return 0, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("%s asset %s has negative decimals", side, asset.Address))
	}
	return *asset.Decimals, nil
}

// sentDecimal is the source amount plus the embedded protocol fee.
func sentDecimal(q model.Quote, decimals int) (decimal.Decimal, error) {
	src, err := units.ParseBaseUnits(q.SrcTokenAmount)
	if err != nil {
		return decimal.Decimal{}, err
	}
	total := new(big.Int).Set(src)
	if q.FeeData.Metabridge.Amount != "" {
		fee, err := units.ParseBaseUnits(q.FeeData.Metabridge.Amount)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total.Add(total, fee)
	}
	return decimal.NewFromBigInt(total, -int32(decimals)), nil
}
