// Package fees computes the relayer, gas and total network fee of a quote in
// native units and, when the native rate is known, in fiat.
package fees

import (
	"fmt"
	"math/big"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
)

// DefaultLevel is the gas estimate level used when none is configured.
const DefaultLevel = "medium"

// GasPrice is the per-gas price in gwei.
type GasPrice struct {
	BaseFeeGwei     decimal.Decimal
	PriorityFeeGwei decimal.Decimal
}

// PerGas returns base plus priority fee in gwei.
func (p GasPrice) PerGas() decimal.Decimal {
	return p.BaseFeeGwei.Add(p.PriorityFeeGwei)
}

// PriceFromEstimates reads the base fee and the priority fee of the given
// level. A missing level falls back to DefaultLevel.
func PriceFromEstimates(est model.GasFeeEstimates, level string) (GasPrice, error) {
	base, err := units.ParseDecimal(est.EstimatedBaseFee)
	if err != nil {
		return GasPrice{}, err
	}
	lvl, ok := est.Levels[level]
	if !ok {
		lvl, ok = est.Levels[DefaultLevel]
	}
	if !ok {
		return GasPrice{BaseFeeGwei: base}, nil
	}
	priority, err := units.ParseDecimal(lvl.SuggestedMaxPriorityFeePerGas)
	if err != nil {
		return GasPrice{}, err
	}
	return GasPrice{BaseFeeGwei: base, PriorityFeeGwei: priority}, nil
}

// RelayerFee is the trade's attached native value minus any native swap
// principal (source amount plus protocol fee) when the source is native.
func RelayerFee(q model.QuoteResponse, nativeRate units.Rate) (model.Amount, error) {
	if q.Trade == nil {
		return model.Amount{}, clierr.New(clierr.CodeMalformedQuote, "quote has no trade")
	}
	value, err := units.ParseHexWei(q.Trade.Value)
	if err != nil {
		return model.Amount{}, err
	}
	if id.IsNativeAddress(q.Quote.SrcAsset.Address) {
		principal, err := nativePrincipal(q.Quote)
		if err != nil {
			return model.Amount{}, err
		}
		value = new(big.Int).Sub(value, principal)
	}
	raw := units.WeiToNative(value)
	return model.Amount{Amount: raw, ValueInCurrency: units.ToFiat(raw, nativeRate)}, nil
}

func nativePrincipal(q model.Quote) (*big.Int, error) {
	src, err := units.ParseBaseUnits(q.SrcTokenAmount)
	if err != nil {
		return nil, err
	}
	fee := big.NewInt(0)
	if q.FeeData.Metabridge.Amount != "" {
		fee, err = units.ParseBaseUnits(q.FeeData.Metabridge.Amount)
		if err != nil {
			return nil, err
		}
	}
	return new(big.Int).Add(src, fee), nil
}

// GasFee is (trade gas + approval gas) x per-gas price, plus the settlement
// fee when includeSettlement is set and the quote carries one.
func GasFee(q model.QuoteResponse, price GasPrice, nativeRate units.Rate, includeSettlement bool) (model.Amount, error) {
	if q.Trade == nil {
		return model.Amount{}, clierr.New(clierr.CodeMalformedQuote, "quote has no trade")
	}
	if q.Trade.GasLimit == nil {
		return model.Amount{}, clierr.New(clierr.CodeMalformedQuote, "trade has no gas limit")
	}
	gasUnits := new(big.Int).SetUint64(*q.Trade.GasLimit)
	if q.Approval != nil && q.Approval.GasLimit != nil {
		gasUnits.Add(gasUnits, new(big.Int).SetUint64(*q.Approval.GasLimit))
	}
	totalGwei := decimal.NewFromBigInt(gasUnits, 0).Mul(price.PerGas())

	if includeSettlement && q.L1GasFeesInHexWei != "" {
		l1Wei, err := units.ParseHexWei(q.L1GasFeesInHexWei)
		if err != nil {
			return model.Amount{}, clierr.Wrap(clierr.CodeMalformedQuote, "parse settlement fee", err)
		}
		totalGwei = totalGwei.Add(decimal.NewFromBigInt(l1Wei, -units.GweiDecimals))
	}

	raw := units.GweiToNative(totalGwei)
	return model.Amount{Amount: raw, ValueInCurrency: units.ToFiat(raw, nativeRate)}, nil
}

// TotalNetworkFee sums gas and relayer fees. The fiat sum is absent only when
// both fiat addends are absent.
func TotalNetworkFee(gas, relayer model.Amount) model.Amount {
	return model.Amount{
		Amount:          gas.Amount.Add(relayer.Amount),
		ValueInCurrency: gas.ValueInCurrency.AddKnown(relayer.ValueInCurrency),
	}
}

// Breakdown holds the three fee components of one quote.
type Breakdown struct {
	Gas     model.Amount
	Relayer model.Amount
	Total   model.Amount
}

// Calculator applies the per-chain settlement fee policy.
type Calculator struct {
	settlementChains map[int64]struct{}
}

// NewCalculator builds a calculator that adds settlement fees on the given
// source chains. An empty list adds any settlement fee a quote carries.
func NewCalculator(settlementFeeChains []int64) Calculator {
	set := make(map[int64]struct{}, len(settlementFeeChains))
	for _, chainID := range settlementFeeChains {
		set[chainID] = struct{}{}
	}
	return Calculator{settlementChains: set}
}

func (c Calculator) IncludesSettlementFee(chainID int64) bool {
	if len(c.settlementChains) == 0 {
		return true
	}
	_, ok := c.settlementChains[chainID]
	return ok
}

// Fees computes the fee breakdown of q. Errors are CodeMalformedQuote.
func (c Calculator) Fees(q model.QuoteResponse, price GasPrice, nativeRate units.Rate) (Breakdown, error) {
	relayer, err := RelayerFee(q, nativeRate)
	if err != nil {
		return Breakdown{}, err
	}
	gas, err := GasFee(q, price, nativeRate, c.IncludesSettlementFee(q.Quote.SrcChainID))
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{Gas: gas, Relayer: relayer, Total: TotalNetworkFee(gas, relayer)}, nil
}

func (b Breakdown) String() string {
	return fmt.Sprintf("gas=%s relayer=%s total=%s", b.Gas.Amount, b.Relayer.Amount, b.Total.Amount)
}
