package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/bridge-quotes/internal/controller"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/metrics"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/providers"
	"github.com/ggonzalez94/bridge-quotes/internal/quotes"
	"github.com/ggonzalez94/bridge-quotes/internal/ranking"
	"github.com/ggonzalez94/bridge-quotes/internal/refresh"
	"github.com/ggonzalez94/bridge-quotes/internal/session"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/ggonzalez94/bridge-quotes/internal/validation"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type quoteArgs struct {
	from          string
	to            string
	asset         string
	toAsset       string
	amount        string
	amountDecimal string
	decimals      int
	slippage      float64
	sort          string
	selected      string
	wallet        string
}

func (a *quoteArgs) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&a.from, "from", "", "Source chain (id, slug or CAIP-2)")
	f.StringVar(&a.to, "to", "", "Destination chain (id, slug or CAIP-2)")
	f.StringVar(&a.asset, "asset", "", "Source asset (symbol, address or CAIP-19)")
	f.StringVar(&a.toAsset, "to-asset", "", "Destination asset (defaults to the source asset symbol)")
	f.StringVar(&a.amount, "amount", "", "Amount in base units")
	f.StringVar(&a.amountDecimal, "amount-decimal", "", "Amount in decimal units")
	f.IntVar(&a.decimals, "decimals", -1, "Source token decimals for assets missing from the registry")
	f.Float64Var(&a.slippage, "slippage", 0.5, "Slippage tolerance in percent")
	f.StringVar(&a.sort, "sort", string(model.SortCostAscending), "Sort order (cost_ascending, eta_ascending)")
	f.StringVar(&a.selected, "select", "", "Select a quote by identity instead of the recommendation")
	f.StringVar(&a.wallet, "wallet", "", "Wallet address used for balances and quote eligibility")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("asset")
}

// request resolves the flags into a validated session request.
func (a quoteArgs) request() (session.Request, error) {
	src, err := id.ParseChain(a.from)
	if err != nil {
		return session.Request{}, err
	}
	dest, err := id.ParseChain(a.to)
	if err != nil {
		return session.Request{}, err
	}
	srcAsset, err := id.ParseAsset(a.asset, src)
	if err != nil {
		return session.Request{}, err
	}
	destInput := a.toAsset
	if strings.TrimSpace(destInput) == "" {
		if srcAsset.Symbol == "" {
			return session.Request{}, clierr.New(clierr.CodeUsage, "--to-asset is required when the source asset is not in the registry")
		}
		destInput = srcAsset.Symbol
	}
	destAsset, err := id.ParseAsset(destInput, dest)
	if err != nil {
		return session.Request{}, err
	}

	decimals := srcAsset.Decimals
	known := srcAsset.IsNative() || srcAsset.Symbol != ""
	if a.decimals >= 0 {
		decimals, known = a.decimals, true
	}
	if !known && a.amountDecimal != "" {
		return session.Request{}, clierr.New(clierr.CodeUsage, "source token decimals unknown, pass --decimals or use --amount")
	}
	baseUnits, decimalAmount, err := id.NormalizeAmount(a.amount, a.amountDecimal, decimals)
	if err != nil {
		return session.Request{}, err
	}

	if a.wallet != "" && !common.IsHexAddress(a.wallet) {
		return session.Request{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid wallet address %q", a.wallet))
	}
	if a.slippage < 0 || a.slippage > 100 {
		return session.Request{}, clierr.New(clierr.CodeUsage, "--slippage must be between 0 and 100")
	}
	slippage := a.slippage

	req := session.Request{
		Params: model.QuoteRequest{
			SrcChainID:       src.ChainID,
			DestChainID:      dest.ChainID,
			SrcTokenAddress:  srcAsset.Address,
			DestTokenAddress: destAsset.Address,
			SrcTokenAmount:   baseUnits,
			Slippage:         &slippage,
			WalletAddress:    strings.ToLower(a.wallet),
		},
		SrcIsNative: srcAsset.IsNative(),
	}
	if known {
		if d, err := decimal.NewFromString(decimalAmount); err == nil && d.IsPositive() {
			req.SrcAmount = &d
		}
	}
	return req, nil
}

func parseSortOrder(raw string) (model.SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "cost", "cost_ascending":
		return model.SortCostAscending, nil
	case "eta", "time", "eta_ascending":
		return model.SortETAAscending, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported sort order %q", raw))
	}
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var args quoteArgs
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Fetch, rank and validate bridge quotes for one request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.runQuote(cmd.Context(), trimRootPath(cmd.CommandPath()), args)
		},
	}
	args.bind(cmd)
	return cmd
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var args quoteArgs
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh quotes until the refresh policy stops, printing the active quote each cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsAddr == "" {
				metricsAddr = s.settings.MetricsAddr
			}
			return s.runWatch(cmd.Context(), trimRootPath(cmd.CommandPath()), args, metricsAddr)
		},
	}
	args.bind(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&s.flags.MaxRefresh, "max-refresh", -1, "Maximum refresh cycles")
	return cmd
}

// newController builds a session and controller from the loaded settings.
func (s *runtimeState) newController() *controller.Controller {
	engine := s.settings.Engine
	sess := session.New(session.Config{
		Ranking: ranking.Policy{
			ReturnTolerance:   engine.ReturnTolerance,
			ETACeilingSeconds: engine.ETACeilingSeconds,
		},
		Validation: validation.Thresholds{
			MinimumFiatSrcAmount:   engine.MinimumFiatSrcAmount,
			SoftFiatSrcAmount:      engine.SoftFiatSrcAmount,
			MaxReturnDifferencePct: engine.MaxReturnDifferencePct,
			CongestionBusy:         engine.CongestionBusyThreshold,
		},
		Refresh: refresh.Policy{
			MaxRefreshCount:             engine.MaxRefreshCount,
			InsufficientBalanceOverride: engine.InsufficientBalanceOverride,
		},
		GasLevel:            engine.GasEstimateLevel,
		SettlementFeeChains: engine.SettlementFeeChains,
	}, s.log.With().Str("component", "session").Logger())

	opts := controller.Options{
		QuoteDebounce:       engine.QuoteDebounce,
		RateDebounce:        engine.RateDebounce,
		RefreshInterval:     engine.RefreshInterval,
		Currency:            s.settings.Currency,
		Allowlists:          allowlists(s.settings),
		SettlementFeeChains: engine.SettlementFeeChains,
	}
	if s.cache != nil {
		opts.Store = s.cache
	}
	return controller.New(sess, s.runner.sources(s), opts, s.log)
}

func (s *runtimeState) prepare(ctx context.Context, args quoteArgs) (*controller.Controller, []string, error) {
	req, err := args.request()
	if err != nil {
		return nil, nil, err
	}
	order, err := parseSortOrder(args.sort)
	if err != nil {
		return nil, nil, err
	}
	ctl := s.newController()
	sess := ctl.Session()
	if err := sess.SetSortOrder(order); err != nil {
		return nil, nil, err
	}
	sess.SetRequest(req)

	var warnings []string
	if err := ctl.RefreshMarketData(ctx); err != nil {
		warnings = append(warnings, fmt.Sprintf("exchange rates unavailable: %v", err))
	}
	return ctl, warnings, nil
}

func (s *runtimeState) runQuote(ctx context.Context, commandPath string, args quoteArgs) error {
	ctl, warnings, err := s.prepare(ctx, args)
	if err != nil {
		return err
	}
	defer ctl.Close()

	start := time.Now()
	err = ctl.Refresh(ctx)
	statuses := sourceStatuses(ctl, err, time.Since(start))
	if err != nil {
		s.captureDiagnostics(warnings, statuses)
		return err
	}

	sess := ctl.Session()
	if args.selected != "" {
		if err := sess.SetSelectedQuote(args.selected); err != nil {
			s.captureDiagnostics(warnings, statuses)
			return err
		}
	}
	view := sess.View()
	status, warnings := batchCacheStatus(view, warnings, s.runner.now())
	return s.emitSuccess(commandPath, newQuoteResult(view), warnings, status, statuses)
}

// sourceStatuses reports per-source outcomes when the quote source fans out
// and a single aggregate entry otherwise.
func sourceStatuses(ctl *controller.Controller, err error, latency time.Duration) []model.ProviderStatus {
	if reporter, ok := ctl.Sources().Quotes.(interface{ Statuses() []model.ProviderStatus }); ok {
		if statuses := reporter.Statuses(); len(statuses) > 0 {
			return statuses
		}
	}
	name := ctl.Sources().Quotes.Info().Name
	return []model.ProviderStatus{{Name: name, Status: providers.StatusFromError(err), LatencyMS: latency.Milliseconds()}}
}

func (s *runtimeState) runWatch(parent context.Context, commandPath string, args quoteArgs, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.log.Info().Str("addr", metricsAddr).Msg("serving metrics")
	}

	ctl, warnings, err := s.prepare(ctx, args)
	if err != nil {
		return err
	}
	defer ctl.Close()

	selected := args.selected
	var emitErr error
	err = ctl.Run(ctx, func(view session.View, cycleErr error) {
		sess := ctl.Session()
		if selected != "" && cycleErr == nil {
			if err := sess.SetSelectedQuote(selected); err != nil {
				s.log.Warn().Err(err).Msg("selected quote not in batch")
			}
			selected = ""
			view = sess.View()
		}
		cycleWarnings := append([]string(nil), warnings...)
		if cycleErr != nil {
			cycleWarnings = append(cycleWarnings, fmt.Sprintf("refresh failed: %v", cycleErr))
		}
		status, cycleWarnings := batchCacheStatus(view, cycleWarnings, s.runner.now())
		statuses := sourceStatuses(ctl, cycleErr, 0)
		if err := s.emitSuccess(commandPath, newQuoteResult(view), cycleWarnings, status, statuses); err != nil && emitErr == nil {
			emitErr = err
		}
		warnings = nil
		ctl.UpdateRates(ctx)
	})
	if errors.Is(err, context.Canceled) && parent.Err() == nil {
		err = nil
	}
	if err != nil {
		return err
	}
	return emitErr
}

// batchCacheStatus reports a batch served from the cache after a failed
// fetch as stale.
func batchCacheStatus(view session.View, warnings []string, now time.Time) (model.CacheStatus, []string) {
	if view.Meta.FetchError == "" || view.Meta.QuotesLastFetched == nil {
		return model.CacheStatus{Status: "miss"}, warnings
	}
	age := now.Sub(*view.Meta.QuotesLastFetched)
	warnings = append(warnings, fmt.Sprintf("serving cached quotes after fetch failure: %s", view.Meta.FetchError))
	return model.CacheStatus{Status: "stale", AgeMS: age.Milliseconds(), Stale: true}, warnings
}

type quoteRow struct {
	Identity         string  `json:"identity"`
	Bridge           string  `json:"bridge"`
	Hop              string  `json:"hop"`
	Steps            int     `json:"steps"`
	Received         string  `json:"received"`
	ReceivedFiat     *string `json:"received_fiat"`
	Sent             string  `json:"sent"`
	GasFee           string  `json:"gas_fee"`
	RelayerFee       string  `json:"relayer_fee"`
	NetworkFeeFiat   *string `json:"network_fee_fiat"`
	AdjustedReturn   *string `json:"adjusted_return"`
	Cost             *string `json:"cost"`
	SwapRate         *string `json:"swap_rate"`
	ETASeconds       int64   `json:"eta_seconds"`
	ETAMinutes       string  `json:"eta_minutes"`
	SettlementFeeWei string  `json:"settlement_fee_wei,omitempty"`
}

type quoteResult struct {
	Request                *model.QuoteRequest `json:"request,omitempty"`
	CrossChain             bool                `json:"cross_chain"`
	SortOrder              model.SortOrder     `json:"sort_order"`
	Active                 *quoteRow           `json:"active"`
	Recommended            string              `json:"recommended,omitempty"`
	Selected               bool                `json:"selected"`
	Quotes                 []quoteRow          `json:"quotes"`
	Dropped                []quotes.Dropped    `json:"dropped,omitempty"`
	Validation             validation.Errors   `json:"validation"`
	InsufficientBalance    bool                `json:"insufficient_balance"`
	InsufficientGasBalance bool                `json:"insufficient_gas_balance"`
	FromAmountInFiat       string              `json:"from_amount_in_fiat,omitempty"`
	RefreshCount           int                 `json:"refresh_count"`
	ShouldRefresh          bool                `json:"should_refresh"`
}

func newQuoteResult(view session.View) quoteResult {
	res := quoteResult{
		Request:                view.Request,
		SortOrder:              view.SortOrder,
		Selected:               view.Selected,
		Quotes:                 make([]quoteRow, 0, len(view.Quotes)),
		Dropped:                view.Dropped,
		Validation:             view.Validation,
		InsufficientBalance:    view.InsufficientBal,
		InsufficientGasBalance: view.InsufficientGas,
		FromAmountInFiat:       view.FromAmountInFiat,
		RefreshCount:           view.Meta.RefreshCount,
		ShouldRefresh:          view.ShouldRefresh,
	}
	if view.Request != nil {
		res.CrossChain = view.Request.IsBridgeTx()
	}
	for _, q := range view.Quotes {
		res.Quotes = append(res.Quotes, newQuoteRow(q))
	}
	if view.Active != nil {
		row := newQuoteRow(*view.Active)
		res.Active = &row
	}
	if view.Recommended != nil {
		res.Recommended = view.Recommended.Identity
	}
	return res
}

func newQuoteRow(q model.ComposedQuote) quoteRow {
	row := quoteRow{
		Identity:         q.Identity,
		Bridge:           q.Quote.BridgeID,
		Steps:            len(q.Quote.Steps),
		Received:         q.ToTokenAmount.Amount.String(),
		ReceivedFiat:     fiatString(q.ToTokenAmount.ValueInCurrency),
		Sent:             q.SentAmount.Amount.String(),
		GasFee:           q.GasFee.Amount.String(),
		RelayerFee:       q.RelayerFee.Amount.String(),
		NetworkFeeFiat:   fiatString(q.TotalNetworkFee.ValueInCurrency),
		AdjustedReturn:   fiatString(q.AdjustedReturn),
		Cost:             fiatString(q.Cost),
		ETASeconds:       q.EstimatedProcessingTimeInSeconds,
		ETAMinutes:       ranking.FormatETAMinutes(q.EstimatedProcessingTimeInSeconds),
		SettlementFeeWei: q.L1GasFeesInHexWei,
	}
	if len(q.Quote.Bridges) > 0 {
		row.Hop = q.Quote.Bridges[0]
	}
	if q.SwapRate.Valid {
		rate := q.SwapRate.Decimal.String()
		row.SwapRate = &rate
	}
	return row
}

func fiatString(f units.Fiat) *string {
	v, ok := f.Get()
	if !ok {
		return nil
	}
	s := v.StringFixed(2)
	return &s
}
