// Package controller drives a quote session from external collaborators:
// it debounces request and rate updates, runs refresh cycles and drops
// results that belong to superseded requests.
package controller

import (
	"context"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/cache"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/metrics"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/policy"
	"github.com/ggonzalez94/bridge-quotes/internal/providers"
	"github.com/ggonzalez94/bridge-quotes/internal/quotes"
	"github.com/ggonzalez94/bridge-quotes/internal/refresh"
	"github.com/ggonzalez94/bridge-quotes/internal/session"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Sources are the collaborators feeding the session. Only Quotes is
// required; missing sources leave the matching inputs absent.
type Sources struct {
	Quotes   providers.QuoteSource
	Rates    providers.RateSource
	Gas      providers.GasFeeSource
	Balances providers.BalanceSource
}

// BatchStore keeps the last batch per request for use when the quote source
// is unavailable.
type BatchStore interface {
	PutBatch(requestKey string, quotes []model.QuoteResponse, fetchedAt time.Time) error
	Batch(requestKey string, maxAge time.Duration) (cache.BatchEntry, error)
}

type Options struct {
	QuoteDebounce       time.Duration
	RateDebounce        time.Duration
	RefreshInterval     time.Duration
	Currency            string
	Allowlists          policy.Allowlists
	SettlementFeeChains []int64
	Store               BatchStore
	StaleBatchMaxAge    time.Duration
}

type Controller struct {
	session *session.Session
	src     Sources
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	tracker       *refresh.Tracker
	quoteDebounce *refresh.Debouncer
	rateDebounce  *refresh.Debouncer
	settlement    map[int64]struct{}
}

func New(s *session.Session, src Sources, opts Options, log zerolog.Logger) *Controller {
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.StaleBatchMaxAge == 0 {
		opts.StaleBatchMaxAge = 10 * opts.RefreshInterval
	}
	settlement := make(map[int64]struct{}, len(opts.SettlementFeeChains))
	for _, chainID := range opts.SettlementFeeChains {
		settlement[chainID] = struct{}{}
	}
	return &Controller{
		session:       s,
		src:           src,
		opts:          opts,
		log:           log.With().Str("component", "controller").Logger(),
		now:           time.Now,
		tracker:       refresh.NewTracker(),
		quoteDebounce: refresh.NewDebouncer(opts.QuoteDebounce),
		rateDebounce:  refresh.NewDebouncer(opts.RateDebounce),
		settlement:    settlement,
	}
}

func (c *Controller) Session() *session.Session { return c.session }

func (c *Controller) Sources() Sources { return c.src }

// UpdateRequest supersedes any in-flight fetch right away and, once input
// has settled for the quote debounce, installs req, clears the selection and
// fetches a new batch. Rates and balances are refreshed when the assets or
// the wallet changed.
func (c *Controller) UpdateRequest(ctx context.Context, req session.Request) {
	c.tracker.Reset()
	c.quoteDebounce.Trigger(func() {
		prev, hadPrev := c.session.Request()
		c.session.SetRequest(req)
		_ = c.session.SetSelectedQuote("")
		if !hadPrev || !sameMarket(prev.Params, req.Params) || !id.AddressEqual(prev.Params.WalletAddress, req.Params.WalletAddress) {
			c.UpdateRates(ctx)
		}
		if err := c.Refresh(ctx); err != nil && !clierr.Is(err, clierr.CodeSuperseded) {
			c.log.Warn().Err(err).Msg("quote fetch failed")
		}
	})
}

// UpdateRates refreshes exchange rates and balances once no rate update was
// requested for the rate debounce.
func (c *Controller) UpdateRates(ctx context.Context) {
	c.rateDebounce.Trigger(func() {
		if err := c.RefreshMarketData(ctx); err != nil {
			c.log.Warn().Err(err).Msg("market data refresh failed")
		}
	})
}

// Wait blocks until scheduled debounced work has run. A request update may
// schedule a rate update, so quotes settle first.
func (c *Controller) Wait() {
	c.quoteDebounce.Wait()
	c.rateDebounce.Wait()
}

// Close cancels pending debounced work and the in-flight fetch, and returns
// once nothing scheduled before the call can still run.
func (c *Controller) Close() {
	c.quoteDebounce.Cancel()
	c.tracker.Reset()
	c.quoteDebounce.Wait()
	c.rateDebounce.Cancel()
	c.rateDebounce.Wait()
}

// Refresh runs one fetch cycle for the active request.
func (c *Controller) Refresh(ctx context.Context) error {
	req, ok := c.session.Request()
	if !ok {
		return clierr.New(clierr.CodeUsage, "no active quote request")
	}
	params := req.Params
	if !providers.IsValidQuoteRequest(params, true) {
		return clierr.New(clierr.CodeUsage, "quote request is incomplete")
	}
	if err := policy.CheckChainAllowed(c.opts.Allowlists, params); err != nil {
		return err
	}

	key := params.Key()
	fetchCtx, ticket := c.tracker.Begin(ctx, key)
	defer c.tracker.Finish(ticket)
	if err := c.session.MarkLoading(key); err != nil {
		metrics.RefreshCycles.WithLabelValues("superseded").Inc()
		return err
	}
	c.log.Info().Str("request", key).Int("refresh", c.session.View().Meta.RefreshCount+1).Msg("refresh cycle started")

	if c.src.Gas != nil {
		if est, err := c.src.Gas.GasFeeEstimates(fetchCtx, params.SrcChainID); err != nil {
			c.log.Debug().Err(err).Int64("chain_id", params.SrcChainID).Msg("gas estimates unavailable")
		} else if c.tracker.Current(ticket) {
			c.session.ApplyGas(est)
		}
	}

	batch, err := c.src.Quotes.FetchQuotes(fetchCtx, params)
	if !c.tracker.Current(ticket) {
		metrics.RefreshCycles.WithLabelValues("superseded").Inc()
		metrics.BatchesDiscarded.WithLabelValues("superseded").Inc()
		c.log.Debug().Str("request", key).Msg("discarding result of superseded fetch")
		return clierr.New(clierr.CodeSuperseded, "quote request superseded while fetching")
	}
	if err != nil {
		return c.fallback(key, err)
	}

	batch = c.attachSettlementFees(fetchCtx, params.SrcChainID, batch)
	fetchedAt := c.now().UTC()
	if c.opts.Store != nil {
		if err := c.opts.Store.PutBatch(key, batch, fetchedAt); err != nil {
			c.log.Debug().Err(err).Msg("failed to cache quote batch")
		}
	}
	if err := c.session.ApplyBatch(key, batch, fetchedAt); err != nil {
		metrics.RefreshCycles.WithLabelValues("superseded").Inc()
		return err
	}
	metrics.RefreshCycles.WithLabelValues("applied").Inc()
	c.observeActive()
	return nil
}

// fallback serves the cached batch for key after a failed fetch. The fetch
// error stays recorded in the batch metadata.
func (c *Controller) fallback(key string, fetchErr error) error {
	var entry cache.BatchEntry
	if c.opts.Store != nil {
		var err error
		if entry, err = c.opts.Store.Batch(key, c.opts.StaleBatchMaxAge); err != nil {
			c.log.Debug().Err(err).Msg("cached quote batch unreadable")
		}
	}
	if !entry.Hit || entry.Stale {
		_ = c.session.ApplyFetchError(key, fetchErr)
		metrics.RefreshCycles.WithLabelValues("failed").Inc()
		return fetchErr
	}
	c.log.Warn().Err(fetchErr).Dur("age", entry.Age).Msg("serving cached quote batch")
	if err := c.session.ApplyBatch(key, entry.Quotes, entry.FetchedAt); err != nil {
		metrics.RefreshCycles.WithLabelValues("superseded").Inc()
		return err
	}
	_ = c.session.ApplyFetchError(key, fetchErr)
	metrics.RefreshCycles.WithLabelValues("cached").Inc()
	c.observeActive()
	return nil
}

// attachSettlementFees adds the L1 data fee of trade and approval to quotes
// sourced on chains that charge one. Quotes whose fee cannot be priced keep
// an empty fee.
func (c *Controller) attachSettlementFees(ctx context.Context, chainID int64, batch []model.QuoteResponse) []model.QuoteResponse {
	if c.src.Gas == nil {
		return batch
	}
	if _, ok := c.settlement[chainID]; !ok {
		return batch
	}
	out := make([]model.QuoteResponse, len(batch))
	for i, q := range batch {
		out[i] = q
		if q.Trade == nil || q.L1GasFeesInHexWei != "" {
			continue
		}
		total, err := c.l1Fee(ctx, chainID, *q.Trade)
		if err == nil && q.Approval != nil {
			var approval decimal.Decimal
			approval, err = c.l1Fee(ctx, chainID, *q.Approval)
			total = total.Add(approval)
		}
		if err != nil {
			c.log.Debug().Err(err).Str("identity", q.Quote.Identity()).Msg("settlement fee unavailable")
			continue
		}
		out[i].L1GasFeesInHexWei = "0x" + total.BigInt().Text(16)
	}
	return out
}

func (c *Controller) l1Fee(ctx context.Context, chainID int64, tx model.TxData) (decimal.Decimal, error) {
	raw, err := c.src.Gas.L1Fee(ctx, chainID, tx)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := units.ParseHexWei(raw)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUnavailable, "parse l1 fee", err)
	}
	return decimal.NewFromBigInt(wei, 0), nil
}

// RefreshMarketData fetches rates and balances for the active request. The
// result is dropped when the request changed assets meanwhile.
func (c *Controller) RefreshMarketData(ctx context.Context) error {
	req, ok := c.session.Request()
	if !ok {
		return nil
	}
	params := req.Params

	if c.src.Rates != nil {
		r, err := c.fetchRates(ctx, params)
		if err != nil {
			return err
		}
		if !c.stillCurrent(params) {
			return clierr.New(clierr.CodeSuperseded, "rates belong to a superseded request")
		}
		c.session.ApplyRates(r)
	}

	if c.src.Balances != nil && params.WalletAddress != "" {
		b := c.fetchBalances(ctx, params)
		if !c.stillCurrent(params) {
			return clierr.New(clierr.CodeSuperseded, "balances belong to a superseded request")
		}
		c.session.ApplyBalances(b)
	}
	return nil
}

func (c *Controller) fetchRates(ctx context.Context, params model.QuoteRequest) (quotes.Rates, error) {
	var r quotes.Rates
	srcRates, err := c.src.Rates.SpotRates(ctx, params.SrcChainID, []string{params.SrcTokenAddress}, c.opts.Currency)
	if err != nil {
		return quotes.Rates{}, err
	}
	r.SrcToken = srcRates[rateKey(params.SrcTokenAddress)]

	destRates, err := c.src.Rates.SpotRates(ctx, params.DestChainID, []string{params.DestTokenAddress}, c.opts.Currency)
	if err != nil {
		c.log.Debug().Err(err).Int64("chain_id", params.DestChainID).Msg("destination rates unavailable")
	} else {
		r.DestToken = destRates[rateKey(params.DestTokenAddress)]
	}

	if r.SrcNative, err = c.src.Rates.NativeRate(ctx, params.SrcChainID, c.opts.Currency); err != nil {
		c.log.Debug().Err(err).Int64("chain_id", params.SrcChainID).Msg("source native rate unavailable")
	}
	if r.DestNativeCached, err = c.src.Rates.NativeRate(ctx, params.DestChainID, c.opts.Currency); err != nil {
		c.log.Debug().Err(err).Int64("chain_id", params.DestChainID).Msg("destination native rate unavailable")
	}
	return r, nil
}

func (c *Controller) fetchBalances(ctx context.Context, params model.QuoteRequest) session.Balances {
	var b session.Balances
	if v, err := c.src.Balances.Balance(ctx, params.SrcChainID, params.SrcTokenAddress, params.WalletAddress); err != nil {
		c.log.Debug().Err(err).Msg("source balance unavailable")
	} else {
		b.Src = &v
	}
	if v, err := c.src.Balances.Balance(ctx, params.SrcChainID, "", params.WalletAddress); err != nil {
		c.log.Debug().Err(err).Msg("native balance unavailable")
	} else {
		b.Native = &v
	}
	return b
}

func (c *Controller) stillCurrent(params model.QuoteRequest) bool {
	cur, ok := c.session.Request()
	return ok && sameMarket(cur.Params, params) && id.AddressEqual(cur.Params.WalletAddress, params.WalletAddress)
}

// Run refreshes the active request until the refresh policy stops it or ctx
// ends. onCycle receives the view after every cycle, including failed ones.
func (c *Controller) Run(ctx context.Context, onCycle func(session.View, error)) error {
	c.log.Info().Dur("interval", c.opts.RefreshInterval).Msg("refresh loop started")
	defer c.log.Info().Msg("refresh loop stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ticket := <-c.tracker.Superseded():
			c.log.Debug().Uint64("seq", ticket.Seq).Str("request", ticket.Key).Msg("request superseded")
			continue
		case <-timer.C:
		}

		err := c.Refresh(ctx)
		if onCycle != nil {
			onCycle(c.session.View(), err)
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if clierr.Is(err, clierr.CodeUsage) || clierr.Is(err, clierr.CodeBlocked) {
			return err
		}
		if !c.session.ShouldContinueRefreshing() {
			return nil
		}
		timer.Reset(c.opts.RefreshInterval)
	}
}

func (c *Controller) observeActive() {
	active, ok := c.session.ActiveQuote()
	if !ok {
		return
	}
	if cost, ok := active.Cost.Get(); ok {
		metrics.ActiveQuoteCost.Set(cost.InexactFloat64())
	}
	metrics.ActiveQuoteETA.Set(float64(active.EstimatedProcessingTimeInSeconds))
}

func sameMarket(a, b model.QuoteRequest) bool {
	return a.SrcChainID == b.SrcChainID && a.DestChainID == b.DestChainID &&
		id.AddressEqual(a.SrcTokenAddress, b.SrcTokenAddress) &&
		id.AddressEqual(a.DestTokenAddress, b.DestTokenAddress)
}

func rateKey(addr string) string {
	if id.IsNativeAddress(addr) {
		return strings.ToLower(id.NativeAddress.Hex())
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
