package session

import (
	"testing"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/quotes"
	"github.com/ggonzalez94/bridge-quotes/internal/ranking"
	"github.com/ggonzalez94/bridge-quotes/internal/refresh"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/ggonzalez94/bridge-quotes/internal/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

const (
	usdcArbitrum = "0xaf88d065e77c8cc2239327c5edb3a432268e5831"
	usdcOptimism = "0x0b2c639c533813f4aa9d7837caf62653d097ff85"
)

func intPtr(v int) *int       { return &v }
func gasPtr(v uint64) *uint64 { return &v }

func testConfig() Config {
	return Config{
		Ranking: ranking.Policy{ReturnTolerance: 0.8, ETACeilingSeconds: 3600},
		Validation: validation.Thresholds{
			MinimumFiatSrcAmount:   decimal.NewFromInt(10),
			SoftFiatSrcAmount:      decimal.NewFromInt(30),
			MaxReturnDifferencePct: 0.8,
			CongestionBusy:         0.66,
		},
		Refresh:  refresh.Policy{MaxRefreshCount: 3},
		GasLevel: "medium",
	}
}

func testRequest(amount string) Request {
	d := decimal.RequireFromString(amount)
	return Request{
		Params: model.QuoteRequest{
			SrcChainID:       42161,
			DestChainID:      10,
			SrcTokenAddress:  usdcArbitrum,
			DestTokenAddress: usdcOptimism,
			SrcTokenAmount:   d.Shift(6).String(),
		},
		SrcAmount: &d,
	}
}

// quote builds a USDC->USDC quote; received is in whole tokens.
func quote(bridgeID, hop string, steps int, received int64, eta int64) model.QuoteResponse {
	return model.QuoteResponse{
		Quote: model.Quote{
			SrcChainID:      42161,
			DestChainID:     10,
			SrcAsset:        model.TokenInfo{Address: usdcArbitrum, Decimals: intPtr(6)},
			DestAsset:       model.TokenInfo{Address: usdcOptimism, Decimals: intPtr(6)},
			SrcTokenAmount:  "100000000",
			DestTokenAmount: decimal.NewFromInt(received).Shift(6).String(),
			BridgeID:        bridgeID,
			Bridges:         []string{hop},
			Steps:           make([]model.Step, steps),
		},
		Trade:                            &model.TxData{Value: "0x0", GasLimit: gasPtr(100000)},
		EstimatedProcessingTimeInSeconds: eta,
	}
}

func usdRates() quotes.Rates {
	return quotes.Rates{SrcToken: units.RateFromFloat(1), DestToken: units.RateFromFloat(1), SrcNative: units.RateFromFloat(2000)}
}

func TestSessionRanksAndRecommends(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("100")
	s.SetRequest(req)
	s.ApplyRates(usdRates())

	err := s.ApplyBatch(req.Params.Key(), []model.QuoteResponse{
		quote("lifi", "stargate", 2, 95, 4000),
		quote("socket", "across", 1, 99, 120),
		quote("squid", "axelar", 1, 98, 60),
	}, time.Now())
	assert.NoError(t, err)

	ranked := s.RankedQuotes("")
	assert.Equal(t, len(ranked), 3)
	assert.Equal(t, ranked[0].Identity, "lifi-stargate-2")
	assert.Equal(t, ranked[0].Cost.String(), "-5")
	assert.Equal(t, ranked[2].Identity, "socket-across-1")

	active, ok := s.ActiveQuote()
	assert.True(t, ok)
	assert.Equal(t, active.Identity, "squid-axelar-1")

	byETA := s.RankedQuotes(model.SortETAAscending)
	assert.Equal(t, byETA[0].Identity, "squid-axelar-1")

	assert.True(t, s.ShouldContinueRefreshing())
	assert.False(t, s.ValidationErrors().NoQuotesAvailable)
}

func TestSessionSelectionSurvivesRefreshByIdentity(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("100")
	s.SetRequest(req)
	s.ApplyRates(usdRates())
	key := req.Params.Key()

	assert.NoError(t, s.ApplyBatch(key, []model.QuoteResponse{quote("A", "B", 3, 95, 60), quote("C", "D", 1, 97, 60)}, time.Now()))
	assert.NoError(t, s.SetSelectedQuote("A-B-3"))
	active, _ := s.ActiveQuote()
	assert.Equal(t, active.ToTokenAmount.Amount.String(), "95")

	// new numbers for the same route
	assert.NoError(t, s.ApplyBatch(key, []model.QuoteResponse{quote("C", "D", 1, 97, 60), quote("A", "B", 3, 96, 30)}, time.Now()))
	view := s.View()
	assert.True(t, view.Selected)
	assert.Equal(t, view.Active.Identity, "A-B-3")
	assert.Equal(t, view.Active.ToTokenAmount.Amount.String(), "96")

	// route gone: selection reverts to the recommended quote
	assert.NoError(t, s.ApplyBatch(key, []model.QuoteResponse{quote("C", "D", 1, 97, 60), quote("A", "B", 2, 90, 4000)}, time.Now()))
	view = s.View()
	assert.False(t, view.Selected)
	assert.Equal(t, view.Active.Identity, "C-D-1")
	assert.False(t, s.ShouldContinueRefreshing())
}

func TestSessionDiscardsSupersededBatch(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	old := testRequest("100")
	s.SetRequest(old)
	oldKey := old.Params.Key()
	assert.NoError(t, s.MarkLoading(oldKey))

	s.SetRequest(testRequest("250"))
	err := s.ApplyBatch(oldKey, []model.QuoteResponse{quote("A", "B", 1, 99, 60)}, time.Now())
	assert.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeSuperseded))
	assert.Equal(t, len(s.RankedQuotes("")), 0)

	view := s.View()
	assert.False(t, view.Meta.QuotesLoading)
	assert.Equal(t, view.Request.SrcTokenAmount, "250000000")
}

func TestSessionResetOnRequestChange(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("100")
	s.SetRequest(req)
	s.ApplyRates(usdRates())
	assert.NoError(t, s.ApplyBatch(req.Params.Key(), []model.QuoteResponse{quote("A", "B", 1, 99, 60)}, time.Now()))
	assert.NoError(t, s.SetSelectedQuote("A-B-1"))

	// amount change: batch and selection reset, rates kept
	next := testRequest("200")
	s.SetRequest(next)
	view := s.View()
	assert.Equal(t, len(view.Quotes), 0)
	assert.True(t, view.Active == nil)
	assert.Equal(t, view.FromAmountInFiat, "200")

	// asset change: rates dropped too
	other := testRequest("200")
	other.Params.DestChainID = 8453
	s.SetRequest(other)
	assert.Equal(t, s.View().FromAmountInFiat, "")

	s.ResetState()
	assert.Equal(t, s.RequestKey(), "")
	assert.False(t, s.View().Validation.NoQuotesAvailable)
}

func TestSessionKeepsBalancesOnAmountChange(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("500")
	s.SetRequest(req)
	s.ApplyRates(usdRates())
	held := decimal.NewFromInt(1000)
	s.ApplyBalances(Balances{Src: &held, Native: &held})
	assert.False(t, s.View().InsufficientBal)

	s.SetRequest(testRequest("5000"))
	assert.True(t, s.View().InsufficientBal)

	other := testRequest("5000")
	other.Params.WalletAddress = "0x00000000000000000000000000000000000000cc"
	s.SetRequest(other)
	assert.False(t, s.View().InsufficientBal)
}

func TestComposeKeyTracksInputs(t *testing.T) {
	batch := []model.QuoteResponse{quote("A", "B", 1, 99, 60)}
	first, err := composeKey(batch, quotes.Inputs{Rates: usdRates()})
	assert.NoError(t, err)
	again, err := composeKey(batch, quotes.Inputs{Rates: usdRates()})
	assert.NoError(t, err)
	assert.Equal(t, first, again)

	noRates, err := composeKey(batch, quotes.Inputs{})
	assert.NoError(t, err)
	assert.NotEqual(t, first, noRates)
}

func TestSessionValidationAndBalances(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("100")
	s.SetRequest(req)
	s.ApplyRates(usdRates())
	congestion := 0.7
	s.ApplyGas(model.GasFeeEstimates{
		EstimatedBaseFee:  "10",
		Levels:            map[string]model.GasFeeLevel{"medium": {SuggestedMaxPriorityFeePerGas: "0"}},
		NetworkCongestion: &congestion,
	})
	assert.NoError(t, s.ApplyBatch(req.Params.Key(), []model.QuoteResponse{quote("A", "B", 1, 99, 60)}, time.Now()))

	low, enough := decimal.NewFromInt(50), decimal.NewFromInt(500)
	dust := decimal.RequireFromString("0.0005")
	s.ApplyBalances(Balances{Src: &low, Native: &dust})
	view := s.View()
	assert.True(t, view.InsufficientBal)
	// 100000 gas x 10 gwei = 0.001 native
	assert.True(t, view.InsufficientGas)
	assert.True(t, view.Validation.NetworkCongested)
	assert.Equal(t, view.Active.TotalNetworkFee.ValueInCurrency.String(), "2")

	s.ApplyBalances(Balances{Src: &enough, Native: &enough})
	view = s.View()
	assert.False(t, view.InsufficientBal)
	assert.False(t, view.InsufficientGas)
}

func TestSessionNoQuotesAvailableAndDropped(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	req := testRequest("100")
	s.SetRequest(req)
	broken := quote("A", "B", 1, 99, 60)
	broken.Trade = nil
	assert.NoError(t, s.ApplyBatch(req.Params.Key(), []model.QuoteResponse{broken}, time.Now()))

	view := s.View()
	assert.Equal(t, len(view.Quotes), 0)
	assert.Equal(t, len(view.Dropped), 1)
	assert.True(t, view.Validation.NoQuotesAvailable)

	assert.Error(t, s.SetSelectedQuote("A-B-1"))
	assert.Error(t, s.SetSortOrder("fastest"))
}
