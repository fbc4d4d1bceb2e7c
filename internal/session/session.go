// Package session owns the request-scoped quote state: the current batch,
// the user selection, market data snapshots and balances. Mutations go
// through the Apply/Set methods; reads derive ranking and validation from an
// immutable snapshot of that state.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/fees"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/metrics"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/quotes"
	"github.com/ggonzalez94/bridge-quotes/internal/ranking"
	"github.com/ggonzalez94/bridge-quotes/internal/refresh"
	"github.com/ggonzalez94/bridge-quotes/internal/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const composeCacheSize = 8

type Config struct {
	Ranking    ranking.Policy
	Validation validation.Thresholds
	Refresh    refresh.Policy
	// GasLevel selects the priority fee level of the gas estimates.
	GasLevel            string
	SettlementFeeChains []int64
}

// Request is the active quote request with its validated amount.
type Request struct {
	Params model.QuoteRequest
	// SrcAmount is the request amount in decimal units; nil when the amount
	// is missing or invalid.
	SrcAmount   *decimal.Decimal
	SrcIsNative bool
}

// Balances are the caller-supplied wallet balances, nil when not fetched.
type Balances struct {
	Src    *decimal.Decimal
	Native *decimal.Decimal
}

// View is one consistent read of the derived state.
type View struct {
	Request          *model.QuoteRequest   `json:"request,omitempty"`
	SortOrder        model.SortOrder       `json:"sort_order"`
	Meta             model.BatchMeta       `json:"meta"`
	Quotes           []model.ComposedQuote `json:"quotes"`
	Dropped          []quotes.Dropped      `json:"dropped,omitempty"`
	Recommended      *model.ComposedQuote  `json:"recommended,omitempty"`
	Active           *model.ComposedQuote  `json:"active,omitempty"`
	Selected         bool                  `json:"selected"`
	Validation       validation.Errors     `json:"validation"`
	InsufficientBal  bool                  `json:"insufficient_balance"`
	InsufficientGas  bool                  `json:"insufficient_gas_balance"`
	ShouldRefresh    bool                  `json:"should_refresh"`
	FromAmountInFiat string                `json:"from_amount_in_fiat,omitempty"`
}

type Session struct {
	mu       sync.RWMutex
	cfg      Config
	composer *quotes.Composer
	log      zerolog.Logger

	request   *Request
	batch     []model.QuoteResponse
	meta      model.BatchMeta
	sortOrder model.SortOrder
	selected  *model.ComposedQuote
	rates     quotes.Rates
	gas       *model.GasFeeEstimates
	balances  Balances

	memoMu sync.Mutex
	memo   map[string]quotes.Result
	order  []string
}

func New(cfg Config, log zerolog.Logger) *Session {
	return &Session{
		cfg:       cfg,
		composer:  quotes.NewComposer(fees.NewCalculator(cfg.SettlementFeeChains), log),
		log:       log,
		sortOrder: model.SortCostAscending,
		memo:      map[string]quotes.Result{},
	}
}

// SetRequest makes req the active request. A change of request parameters
// resets the batch, the selection and all derived state.
func (s *Session) SetRequest(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request != nil && s.request.Params.Key() == req.Params.Key() {
		s.request = &req
		return
	}
	keepMarket := s.request != nil && sameAssets(s.request.Params, req.Params)
	keepBalances := keepMarket && id.AddressEqual(s.request.Params.WalletAddress, req.Params.WalletAddress)
	rates, gas, balances := s.rates, s.gas, s.balances
	s.resetLocked()
	if keepMarket {
		s.rates, s.gas = rates, gas
	}
	if keepBalances {
		s.balances = balances
	}
	s.request = &req
	s.meta.RequestKey = req.Params.Key()
}

// sameAssets reports whether two requests price the same chains and assets,
// so rate and gas snapshots stay valid. Balances additionally need the same
// wallet.
func sameAssets(a, b model.QuoteRequest) bool {
	return a.SrcChainID == b.SrcChainID && a.DestChainID == b.DestChainID &&
		strings.EqualFold(a.SrcTokenAddress, b.SrcTokenAddress) &&
		strings.EqualFold(a.DestTokenAddress, b.DestTokenAddress)
}

// RequestKey returns the key of the active request, or "".
func (s *Session) RequestKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.request == nil {
		return ""
	}
	return s.request.Params.Key()
}

// Request returns the active request.
func (s *Session) Request() (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.request == nil {
		return Request{}, false
	}
	return *s.request, true
}

// MarkLoading flags a fetch in flight for the active request.
func (s *Session) MarkLoading(requestKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCurrentLocked(requestKey); err != nil {
		return err
	}
	s.meta.QuotesLoading = true
	return nil
}

// ApplyBatch replaces the batch wholesale. A batch for any request other
// than the active one is discarded with CodeSuperseded.
func (s *Session) ApplyBatch(requestKey string, batch []model.QuoteResponse, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCurrentLocked(requestKey); err != nil {
		metrics.BatchesDiscarded.WithLabelValues("superseded").Inc()
		s.log.Debug().Str("request", requestKey).Msg("discarding superseded batch")
		return err
	}
	s.batch = append([]model.QuoteResponse(nil), batch...)
	ts := fetchedAt
	s.meta.QuotesLastFetched = &ts
	s.meta.QuotesLoading = false
	s.meta.FetchError = ""
	s.meta.RefreshCount++

	if s.selected != nil {
		res := s.composeLocked()
		s.selected = ranking.ResolveSelection(s.selected, res.Quotes, s.meta.RefreshCount)
	}
	metrics.BatchesApplied.Inc()
	return nil
}

// ApplyFetchError records a failed fetch for the active request. The last
// batch stays in place.
func (s *Session) ApplyFetchError(requestKey string, fetchErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCurrentLocked(requestKey); err != nil {
		return err
	}
	s.meta.QuotesLoading = false
	if fetchErr != nil {
		s.meta.FetchError = fetchErr.Error()
	}
	return nil
}

func (s *Session) ApplyRates(r quotes.Rates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = r
}

func (s *Session) ApplyGas(est model.GasFeeEstimates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gas = &est
}

func (s *Session) ApplyBalances(b Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = b
}

// SetSortOrder switches the ranking policy.
func (s *Session) SetSortOrder(order model.SortOrder) error {
	if !order.Valid() {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported sort order %q", order))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortOrder = order
	return nil
}

// SetSelectedQuote selects the quote with the given identity in the current
// batch. An empty identity clears the selection.
func (s *Session) SetSelectedQuote(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity == "" {
		s.selected = nil
		return nil
	}
	q, ok := ranking.Find(s.composeLocked().Quotes, identity)
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("no quote with identity %s in current batch", identity))
	}
	s.selected = &q
	return nil
}

// ResetState drops the request, batch, selection and market data.
func (s *Session) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.request = nil
}

func (s *Session) resetLocked() {
	s.batch = nil
	s.meta = model.BatchMeta{}
	s.selected = nil
	s.rates = quotes.Rates{}
	s.gas = nil
	s.balances = Balances{}
}

func (s *Session) checkCurrentLocked(requestKey string) error {
	if s.request == nil || s.request.Params.Key() != requestKey {
		return clierr.New(clierr.CodeSuperseded, "result belongs to a superseded request")
	}
	return nil
}

// RankedQuotes returns the batch sorted by order; an empty order uses the
// session's sort order.
func (s *Session) RankedQuotes(order model.SortOrder) []model.ComposedQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if order == "" {
		order = s.sortOrder
	}
	return ranking.Sort(s.composeLocked().Quotes, order)
}

func (s *Session) ActiveQuote() (model.ComposedQuote, bool) {
	v := s.View()
	if v.Active == nil {
		return model.ComposedQuote{}, false
	}
	return *v.Active, true
}

func (s *Session) ValidationErrors() validation.Errors {
	return s.View().Validation
}

func (s *Session) ShouldContinueRefreshing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return refresh.ShouldRefresh(s.meta.RefreshCount, s.cfg.Refresh)
}

// View derives ranking, selection and validation in one pass.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := s.composeLocked()
	sorted := ranking.Sort(res.Quotes, s.sortOrder)
	view := View{
		SortOrder:     s.sortOrder,
		Meta:          s.meta,
		Quotes:        sorted,
		Dropped:       res.Dropped,
		ShouldRefresh: refresh.ShouldRefresh(s.meta.RefreshCount, s.cfg.Refresh),
	}
	if rec, ok := ranking.Recommend(sorted, s.sortOrder, s.cfg.Ranking); ok {
		view.Recommended = &rec
	}
	selection := ranking.ResolveSelection(s.selected, sorted, s.meta.RefreshCount)
	rec, hasRec := derefOr(view.Recommended)
	if active, ok := ranking.Active(selection, rec, hasRec); ok {
		view.Active = &active
		view.Selected = selection != nil
	}

	in := validation.Input{Active: view.Active, Meta: s.meta, NetworkCongestion: s.congestionLocked()}
	if s.request != nil {
		params := s.request.Params
		view.Request = &params
		in.ValidatedSrcAmount = s.request.SrcAmount
		if s.request.SrcAmount != nil {
			from := quotes.FromAmountInFiat(*s.request.SrcAmount, s.request.SrcIsNative, s.rates)
			in.FromAmountInFiat = from
			if from.Valid() {
				view.FromAmountInFiat = from.String()
			}
		}
	}
	view.Validation = validation.Evaluate(in, s.cfg.Validation)
	view.InsufficientBal = view.Validation.InsufficientBalance(s.balances.Src)
	view.InsufficientGas = view.Validation.InsufficientGasBalance(s.balances.Native)
	return view
}

func derefOr(q *model.ComposedQuote) (model.ComposedQuote, bool) {
	if q == nil {
		return model.ComposedQuote{}, false
	}
	return *q, true
}

func (s *Session) congestionLocked() *float64 {
	if s.gas == nil {
		return nil
	}
	return s.gas.NetworkCongestion
}

func (s *Session) gasPriceLocked() fees.GasPrice {
	if s.gas == nil {
		return fees.GasPrice{}
	}
	price, err := fees.PriceFromEstimates(*s.gas, s.cfg.GasLevel)
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring malformed gas estimates")
		return fees.GasPrice{}
	}
	return price
}

// composeLocked returns the composed batch for the current inputs, memoized
// by the structural hash of batch, gas price and rates.
func (s *Session) composeLocked() quotes.Result {
	in := quotes.Inputs{Gas: s.gasPriceLocked(), Rates: s.rates}
	key, err := composeKey(s.batch, in)
	if err != nil {
		s.log.Debug().Err(err).Msg("compose memo disabled for this input")
		return s.composeFresh(in)
	}

	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	if res, ok := s.memo[key]; ok {
		return res
	}
	res := s.composeFresh(in)
	s.memo[key] = res
	s.order = append(s.order, key)
	if len(s.order) > composeCacheSize {
		delete(s.memo, s.order[0])
		s.order = s.order[1:]
	}
	return res
}

func (s *Session) composeFresh(in quotes.Inputs) quotes.Result {
	res := s.composer.Compose(s.batch, in)
	metrics.QuotesComposed.Add(float64(len(res.Quotes)))
	for _, d := range res.Dropped {
		metrics.QuotesDropped.WithLabelValues(dropReason(d.Err)).Inc()
	}
	return res
}

func composeKey(batch []model.QuoteResponse, in quotes.Inputs) (string, error) {
	buf, err := json.Marshal(struct {
		Batch []model.QuoteResponse `json:"batch"`
		Gas   fees.GasPrice         `json:"gas"`
		Rates quotes.Rates          `json:"rates"`
	}{batch, in.Gas, in.Rates})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

func dropReason(err error) string {
	if e, ok := clierr.As(err); ok {
		return clierr.TypeName(e.Code)
	}
	return "internal_error"
}
