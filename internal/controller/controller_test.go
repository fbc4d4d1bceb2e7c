package controller

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/cache"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/policy"
	"github.com/ggonzalez94/bridge-quotes/internal/ranking"
	"github.com/ggonzalez94/bridge-quotes/internal/refresh"
	"github.com/ggonzalez94/bridge-quotes/internal/session"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/ggonzalez94/bridge-quotes/internal/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

const (
	usdcOptimism = "0x0b2c639c533813f4aa9d7837caf62653d097ff85"
	usdcArbitrum = "0xaf88d065e77c8cc2239327c5edb3a432268e5831"
)

type fakeQuotes struct {
	mu     sync.Mutex
	calls  []model.QuoteRequest
	batch  []model.QuoteResponse
	err    error
	during func()
}

func (f *fakeQuotes) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake-quotes"} }

func (f *fakeQuotes) FetchQuotes(_ context.Context, req model.QuoteRequest) ([]model.QuoteResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return f.batch, f.err
}

func (f *fakeQuotes) Calls() []model.QuoteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.QuoteRequest(nil), f.calls...)
}

type fakeRates struct{}

func (fakeRates) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake-rates"} }

func (fakeRates) SpotRates(_ context.Context, _ int64, addresses []string, _ string) (map[string]units.Rate, error) {
	out := map[string]units.Rate{}
	for _, addr := range addresses {
		out[addr] = units.RateFromFloat(1)
	}
	return out, nil
}

func (fakeRates) NativeRate(context.Context, int64, string) (units.Rate, error) {
	return units.RateFromFloat(2000), nil
}

type fakeGas struct {
	l1Calls atomic.Int32
}

func (*fakeGas) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake-gas"} }

func (*fakeGas) GasFeeEstimates(_ context.Context, chainID int64) (model.GasFeeEstimates, error) {
	congestion := 0.2
	return model.GasFeeEstimates{
		ChainID:          chainID,
		EstimatedBaseFee: "0.05",
		Levels: map[string]model.GasFeeLevel{
			"medium": {SuggestedMaxFeePerGas: "0.2", SuggestedMaxPriorityFeePerGas: "0.01"},
		},
		NetworkCongestion: &congestion,
	}, nil
}

func (g *fakeGas) L1Fee(_ context.Context, _ int64, tx model.TxData) (string, error) {
	g.l1Calls.Add(1)
	if tx.Data == "0xapprove" {
		return "0x10", nil
	}
	return "0x64", nil
}

type fakeBalances struct{}

func (fakeBalances) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake-balances"} }

func (fakeBalances) Balance(_ context.Context, _ int64, asset, _ string) (decimal.Decimal, error) {
	if asset == "" {
		return decimal.RequireFromString("0.5"), nil
	}
	return decimal.NewFromInt(1000), nil
}

func intPtr(v int) *int       { return &v }
func gasPtr(v uint64) *uint64 { return &v }

func testSession(maxRefresh int) *session.Session {
	return session.New(session.Config{
		Ranking: ranking.Policy{ReturnTolerance: 0.8, ETACeilingSeconds: 3600},
		Validation: validation.Thresholds{
			MinimumFiatSrcAmount:   decimal.NewFromInt(10),
			SoftFiatSrcAmount:      decimal.NewFromInt(30),
			MaxReturnDifferencePct: 0.8,
			CongestionBusy:         0.66,
		},
		Refresh:             refresh.Policy{MaxRefreshCount: maxRefresh},
		GasLevel:            "medium",
		SettlementFeeChains: []int64{10, 8453},
	}, zerolog.Nop())
}

func testRequest(amount string) session.Request {
	d := decimal.RequireFromString(amount)
	slippage := 0.5
	return session.Request{
		Params: model.QuoteRequest{
			SrcChainID:       10,
			DestChainID:      42161,
			SrcTokenAddress:  usdcOptimism,
			DestTokenAddress: usdcArbitrum,
			SrcTokenAmount:   d.Shift(6).String(),
			Slippage:         &slippage,
			WalletAddress:    "0x00000000000000000000000000000000000000aa",
		},
		SrcAmount: &d,
	}
}

func testQuote(bridgeID string, received int64, eta int64, withApproval bool) model.QuoteResponse {
	q := model.QuoteResponse{
		Quote: model.Quote{
			SrcChainID:      10,
			DestChainID:     42161,
			SrcAsset:        model.TokenInfo{Address: usdcOptimism, ChainID: 10, Symbol: "USDC", Decimals: intPtr(6)},
			DestAsset:       model.TokenInfo{Address: usdcArbitrum, ChainID: 42161, Symbol: "USDC", Decimals: intPtr(6)},
			SrcTokenAmount:  "100000000",
			DestTokenAmount: decimal.NewFromInt(received).Shift(6).String(),
			BridgeID:        bridgeID,
			Bridges:         []string{"across"},
			Steps:           make([]model.Step, 1),
		},
		Trade:                            &model.TxData{ChainID: 10, To: "0x00000000000000000000000000000000000000bb", Value: "0x0", Data: "0xtrade", GasLimit: gasPtr(150000)},
		EstimatedProcessingTimeInSeconds: eta,
	}
	if withApproval {
		q.Approval = &model.TxData{ChainID: 10, To: usdcOptimism, Value: "0x0", Data: "0xapprove", GasLimit: gasPtr(50000)}
	}
	return q
}

func openStore(t *testing.T) *cache.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), time.Hour)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRefreshAppliesBatchWithSettlementFees(t *testing.T) {
	store := openStore(t)
	gas := &fakeGas{}
	src := &fakeQuotes{batch: []model.QuoteResponse{
		testQuote("lifi", 99, 120, true),
		testQuote("socket", 98, 60, false),
	}}
	s := testSession(5)
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}, Gas: gas, Balances: fakeBalances{}}, Options{
		SettlementFeeChains: []int64{10, 8453},
		Store:               store,
	}, zerolog.Nop())

	req := testRequest("100")
	s.SetRequest(req)
	assert.NoError(t, c.RefreshMarketData(context.Background()))
	assert.NoError(t, c.Refresh(context.Background()))

	view := s.View()
	assert.Equal(t, view.Meta.RefreshCount, 1)
	assert.Equal(t, len(view.Quotes), 2)
	assert.That(t, view.Active != nil)
	assert.False(t, view.InsufficientBal)
	assert.Equal(t, int(gas.l1Calls.Load()), 3)

	cached, err := store.Batch(req.Params.Key(), time.Hour)
	assert.NoError(t, err)
	assert.True(t, cached.Hit)
	assert.Equal(t, len(cached.Quotes), 2)
	assert.Equal(t, cached.Quotes[0].L1GasFeesInHexWei, "0x74")
	assert.Equal(t, cached.Quotes[1].L1GasFeesInHexWei, "0x64")
}

func TestRefreshSkipsSettlementFeesOffSettlementChains(t *testing.T) {
	gas := &fakeGas{}
	q := testQuote("lifi", 99, 120, false)
	q.Quote.SrcChainID = 42161
	src := &fakeQuotes{batch: []model.QuoteResponse{q}}
	s := testSession(5)
	c := New(s, Sources{Quotes: src, Gas: gas}, Options{SettlementFeeChains: []int64{10}}, zerolog.Nop())

	req := testRequest("100")
	req.Params.SrcChainID = 42161
	req.Params.SrcTokenAddress = usdcArbitrum
	req.Params.DestChainID = 10
	req.Params.DestTokenAddress = usdcOptimism
	s.SetRequest(req)
	assert.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int(gas.l1Calls.Load()), 0)
}

func TestRefreshFallsBackToCachedBatch(t *testing.T) {
	store := openStore(t)
	req := testRequest("100")
	assert.NoError(t, store.PutBatch(req.Params.Key(), []model.QuoteResponse{testQuote("lifi", 99, 120, false)}, time.Now()))

	src := &fakeQuotes{err: clierr.New(clierr.CodeUnavailable, "aggregator unavailable")}
	s := testSession(5)
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}}, Options{Store: store, StaleBatchMaxAge: time.Hour}, zerolog.Nop())
	s.SetRequest(req)
	assert.NoError(t, c.RefreshMarketData(context.Background()))
	assert.NoError(t, c.Refresh(context.Background()))

	view := s.View()
	assert.Equal(t, view.Meta.RefreshCount, 1)
	assert.Equal(t, len(view.Quotes), 1)
	assert.Equal(t, view.Meta.FetchError, "aggregator unavailable")
}

func TestRefreshReportsFetchErrorWithoutCache(t *testing.T) {
	src := &fakeQuotes{err: clierr.New(clierr.CodeUnavailable, "aggregator unavailable")}
	s := testSession(5)
	c := New(s, Sources{Quotes: src}, Options{}, zerolog.Nop())
	s.SetRequest(testRequest("100"))

	err := c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeUnavailable))
	view := s.View()
	assert.False(t, view.Meta.QuotesLoading)
	assert.That(t, view.Meta.FetchError != "")
	assert.Equal(t, view.Meta.RefreshCount, 0)
}

func TestRefreshDiscardsSupersededResult(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src}, Options{}, zerolog.Nop())
	src.during = func() { c.tracker.Reset() }
	s.SetRequest(testRequest("100"))

	err := c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeSuperseded))
	assert.Equal(t, s.View().Meta.RefreshCount, 0)
}

func TestRefreshDiscardsBatchForChangedRequest(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src}, Options{}, zerolog.Nop())
	src.during = func() { s.SetRequest(testRequest("250")) }
	s.SetRequest(testRequest("100"))

	err := c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeSuperseded))
	assert.Equal(t, len(s.View().Quotes), 0)
}

func TestRefreshRejectsBlockedAndIncompleteRequests(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{}
	c := New(s, Sources{Quotes: src}, Options{Allowlists: policy.Allowlists{Src: []int64{1}}}, zerolog.Nop())

	err := c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeUsage))

	s.SetRequest(testRequest("100"))
	err = c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeBlocked))

	incomplete := testRequest("100")
	incomplete.Params.SrcTokenAmount = ""
	s.SetRequest(incomplete)
	err = c.Refresh(context.Background())
	assert.That(t, clierr.Is(err, clierr.CodeUsage))
	assert.Equal(t, len(src.Calls()), 0)
}

func TestUpdateRequestDebouncesAndClearsSelection(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false), testQuote("socket", 98, 60, false)}}
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}}, Options{
		QuoteDebounce: 20 * time.Millisecond,
		RateDebounce:  time.Millisecond,
	}, zerolog.Nop())
	defer c.Close()

	ctx := context.Background()
	first := testRequest("100")
	s.SetRequest(first)
	assert.NoError(t, c.RefreshMarketData(ctx))
	assert.NoError(t, c.Refresh(ctx))
	assert.NoError(t, s.SetSelectedQuote("socket-across-1"))
	assert.True(t, s.View().Selected)

	c.UpdateRequest(ctx, testRequest("150"))
	c.UpdateRequest(ctx, testRequest("200"))
	want := testRequest("200").Params.Key()
	waitFor(t, func() bool {
		calls := src.Calls()
		return len(calls) == 2 && s.View().Meta.RefreshCount == 1 && s.RequestKey() == want
	})
	c.Wait()

	calls := src.Calls()
	assert.Equal(t, calls[1].Key(), want)
	assert.False(t, s.View().Selected)
}

func TestRunStopsAtRefreshLimit(t *testing.T) {
	s := testSession(3)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src}, Options{RefreshInterval: time.Millisecond}, zerolog.Nop())
	s.SetRequest(testRequest("100"))

	var cycles int
	err := c.Run(context.Background(), func(v session.View, err error) {
		assert.NoError(t, err)
		cycles++
	})
	assert.NoError(t, err)
	assert.Equal(t, cycles, 3)
	assert.Equal(t, len(src.Calls()), 3)
	assert.False(t, s.ShouldContinueRefreshing())
}

func TestRunStopsOnCancel(t *testing.T) {
	s := testSession(100)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src}, Options{RefreshInterval: time.Hour}, zerolog.Nop())
	s.SetRequest(testRequest("100"))

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Run(ctx, func(session.View, error) { cancel() })
	assert.Equal(t, err, context.Canceled)
	assert.Equal(t, len(src.Calls()), 1)
}

func TestRefreshMarketDataAppliesBalances(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}, Gas: &fakeGas{}, Balances: fakeBalances{}}, Options{}, zerolog.Nop())
	req := testRequest("5000")
	s.SetRequest(req)

	assert.NoError(t, c.RefreshMarketData(context.Background()))
	assert.NoError(t, c.Refresh(context.Background()))
	view := s.View()
	assert.Equal(t, view.FromAmountInFiat, "5000")
	assert.True(t, view.InsufficientBal)
}

func TestUpdateRequestAmountChangeKeepsBalances(t *testing.T) {
	s := testSession(5)
	src := &fakeQuotes{batch: []model.QuoteResponse{testQuote("lifi", 99, 120, false)}}
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}, Gas: &fakeGas{}, Balances: fakeBalances{}}, Options{
		QuoteDebounce: 5 * time.Millisecond,
		RateDebounce:  time.Millisecond,
	}, zerolog.Nop())
	defer c.Close()

	ctx := context.Background()
	s.SetRequest(testRequest("500"))
	assert.NoError(t, c.RefreshMarketData(ctx))
	assert.NoError(t, c.Refresh(ctx))
	assert.False(t, s.View().InsufficientBal)

	next := testRequest("5000")
	c.UpdateRequest(ctx, next)
	c.Wait()

	assert.Equal(t, s.RequestKey(), next.Params.Key())
	assert.Equal(t, len(src.Calls()), 2)
	view := s.View()
	assert.Equal(t, view.FromAmountInFiat, "5000")
	assert.True(t, view.InsufficientBal)
}

func TestCloseWaitsForScheduledWork(t *testing.T) {
	s := testSession(5)
	release := make(chan struct{})
	src := &fakeQuotes{
		batch:  []model.QuoteResponse{testQuote("lifi", 99, 120, false)},
		during: func() { <-release },
	}
	c := New(s, Sources{Quotes: src, Rates: fakeRates{}}, Options{QuoteDebounce: time.Millisecond}, zerolog.Nop())

	c.UpdateRequest(context.Background(), testRequest("100"))
	waitFor(t, func() bool { return len(src.Calls()) == 1 })

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a fetch was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the fetch finished")
	}
}
