package providers

import (
	"context"
	"strings"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
)

type Provider interface {
	Info() model.ProviderInfo
}

// QuoteSource delivers one quote batch per request.
type QuoteSource interface {
	Provider
	FetchQuotes(ctx context.Context, req model.QuoteRequest) ([]model.QuoteResponse, error)
}

// RateSource supplies exchange rates for tokens on one chain, keyed by
// lowercased token address. Tokens without a price are omitted.
type RateSource interface {
	Provider
	SpotRates(ctx context.Context, chainID int64, addresses []string, currency string) (map[string]units.Rate, error)
	NativeRate(ctx context.Context, chainID int64, currency string) (units.Rate, error)
}

type GasFeeSource interface {
	Provider
	GasFeeEstimates(ctx context.Context, chainID int64) (model.GasFeeEstimates, error)
	// L1Fee returns the settlement fee for tx as a hex wei string.
	L1Fee(ctx context.Context, chainID int64, tx model.TxData) (string, error)
}

type BalanceSource interface {
	Provider
	// Balance returns the normalized balance of asset held by owner. An
	// empty or zero asset address means the native currency.
	Balance(ctx context.Context, chainID int64, asset string, owner string) (decimal.Decimal, error)
}

// IsValidQuoteRequest reports whether req carries every field the quote
// source needs. The amount may be left out when requireAmount is false.
func IsValidQuoteRequest(req model.QuoteRequest, requireAmount bool) bool {
	if strings.TrimSpace(req.SrcTokenAddress) == "" || strings.TrimSpace(req.DestTokenAddress) == "" {
		return false
	}
	if requireAmount && strings.TrimSpace(req.SrcTokenAmount) == "" {
		return false
	}
	if req.SrcChainID == 0 || req.DestChainID == 0 {
		return false
	}
	return req.Slippage != nil
}
