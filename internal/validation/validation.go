// Package validation derives the warnings that gate submission of the
// active quote. Every check is pure and returns false when its inputs are
// not available yet.
package validation

import (
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
)

type Thresholds struct {
	// MinimumFiatSrcAmount is the hard floor for the request amount in fiat.
	MinimumFiatSrcAmount decimal.Decimal
	// SoftFiatSrcAmount is the warning threshold for the sent amount.
	SoftFiatSrcAmount      decimal.Decimal
	MaxReturnDifferencePct float64
	CongestionBusy         float64
}

type Input struct {
	Active *model.ComposedQuote
	Meta   model.BatchMeta
	// ValidatedSrcAmount is the request amount in decimal units, nil until the
	// amount entered is valid.
	ValidatedSrcAmount *decimal.Decimal
	FromAmountInFiat   units.Fiat
	NetworkCongestion  *float64
}

// Errors is one validation snapshot. It is recomputed on every input change
// and never persisted.
type Errors struct {
	NoQuotesAvailable     bool `json:"isNoQuotesAvailable"`
	SrcAmountLessThanSoft bool `json:"isSrcAmountLessThan30"`
	SrcAmountTooLow       bool `json:"isSrcAmountTooLow"`
	EstimatedReturnLow    bool `json:"isEstimatedReturnLow"`
	NetworkCongested      bool `json:"isNetworkCongested"`

	totalNetworkFee *decimal.Decimal
	srcAmount       *decimal.Decimal
}

// Evaluate computes the snapshot for the given inputs.
func Evaluate(in Input, th Thresholds) Errors {
	out := Errors{
		NoQuotesAvailable:  in.Active == nil && in.Meta.QuotesLastFetched != nil && !in.Meta.QuotesLoading,
		SrcAmountTooLow:    srcAmountTooLow(in, th),
		EstimatedReturnLow: estimatedReturnLow(in.Active, th),
		NetworkCongested:   in.NetworkCongestion != nil && *in.NetworkCongestion >= th.CongestionBusy,
		srcAmount:          in.ValidatedSrcAmount,
	}
	if in.Active != nil {
		if sent, ok := in.Active.SentAmount.ValueInCurrency.Get(); ok {
			out.SrcAmountLessThanSoft = sent.IsPositive() && sent.LessThan(th.SoftFiatSrcAmount)
		}
		fee := in.Active.TotalNetworkFee.Amount
		out.totalNetworkFee = &fee
	}
	return out
}

func srcAmountTooLow(in Input, th Thresholds) bool {
	if in.ValidatedSrcAmount == nil {
		return false
	}
	fromFiat, ok := in.FromAmountInFiat.Get()
	if !ok {
		return false
	}
	return fromFiat.IsPositive() && fromFiat.LessThanOrEqual(th.MinimumFiatSrcAmount)
}

// estimatedReturnLow reports adjusted < pct x sent, only when both are known.
func estimatedReturnLow(active *model.ComposedQuote, th Thresholds) bool {
	if active == nil {
		return false
	}
	sent, sentOK := active.SentAmount.ValueInCurrency.Get()
	adjusted, adjOK := active.AdjustedReturn.Get()
	if !sentOK || !adjOK {
		return false
	}
	return adjusted.LessThan(decimal.NewFromFloat(th.MaxReturnDifferencePct).Mul(sent))
}

// InsufficientBalance reports whether the source asset balance is below the
// validated request amount. A nil balance is not known yet.
func (e Errors) InsufficientBalance(balance *decimal.Decimal) bool {
	if e.srcAmount == nil || balance == nil {
		return false
	}
	return balance.LessThan(*e.srcAmount)
}

// InsufficientGasBalance reports whether the active quote's total network fee
// exceeds the native balance.
func (e Errors) InsufficientGasBalance(nativeBalance *decimal.Decimal) bool {
	if e.totalNetworkFee == nil || nativeBalance == nil {
		return false
	}
	return e.totalNetworkFee.GreaterThan(*nativeBalance)
}

// Any reports whether a blocking condition is present for the given balances.
func (e Errors) Any(balance, nativeBalance *decimal.Decimal) bool {
	return e.NoQuotesAvailable || e.SrcAmountTooLow || e.InsufficientBalance(balance) || e.InsufficientGasBalance(nativeBalance)
}
