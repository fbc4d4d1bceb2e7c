package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
}

// ChainInfo is one row of the chains listing.
type ChainInfo struct {
	Name            string `json:"name"`
	Slug            string `json:"slug"`
	ChainID         int64  `json:"chain_id"`
	CAIP2           string `json:"caip2"`
	NativeSymbol    string `json:"native_symbol"`
	SrcAllowed      bool   `json:"src_allowed"`
	DestAllowed     bool   `json:"dest_allowed"`
	SettlementFee   bool   `json:"settlement_fee"`
	DefaultRPCKnown bool   `json:"default_rpc_known"`
}

// SortOrder selects the ranking policy for a batch.
type SortOrder string

const (
	SortCostAscending SortOrder = "cost_ascending"
	SortETAAscending  SortOrder = "eta_ascending"
)

// Valid reports whether o is one of the two supported orders.
func (o SortOrder) Valid() bool {
	return o == SortCostAscending || o == SortETAAscending
}

// QuoteRequest is the parameter set a quote batch is fetched for.
type QuoteRequest struct {
	SrcChainID       int64    `json:"srcChainId"`
	DestChainID      int64    `json:"destChainId"`
	SrcTokenAddress  string   `json:"srcTokenAddress"`
	DestTokenAddress string   `json:"destTokenAddress"`
	SrcTokenAmount   string   `json:"srcTokenAmount,omitempty"`
	Slippage         *float64 `json:"slippage,omitempty"`
	WalletAddress    string   `json:"walletAddress,omitempty"`
	InsufficientBal  bool     `json:"insufficientBal,omitempty"`
}

// Key identifies the request parameters. Two requests with the same key
// produce interchangeable batches.
func (r QuoteRequest) Key() string {
	slippage := "-"
	if r.Slippage != nil {
		slippage = fmt.Sprintf("%g", *r.Slippage)
	}
	return fmt.Sprintf("%d:%s>%d:%s|%s|%s|%s|%t",
		r.SrcChainID, strings.ToLower(r.SrcTokenAddress),
		r.DestChainID, strings.ToLower(r.DestTokenAddress),
		r.SrcTokenAmount, slippage, strings.ToLower(r.WalletAddress), r.InsufficientBal)
}

// IsBridgeTx reports whether the request crosses chains.
func (r QuoteRequest) IsBridgeTx() bool {
	return r.SrcChainID != 0 && r.DestChainID != 0 && r.SrcChainID != r.DestChainID
}

// TokenInfo is an asset as described by the aggregator. Decimals is a
// pointer so a missing value can be told apart from zero.
type TokenInfo struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals *int   `json:"decimals"`
}

type FeeAmount struct {
	Amount string     `json:"amount"`
	Asset  *TokenInfo `json:"asset,omitempty"`
}

type FeeData struct {
	Metabridge FeeAmount `json:"metabridge"`
}

type Protocol struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

type Step struct {
	Action      string    `json:"action"`
	SrcChainID  int64     `json:"srcChainId"`
	DestChainID int64     `json:"destChainId,omitempty"`
	SrcAmount   string    `json:"srcAmount,omitempty"`
	DestAmount  string    `json:"destAmount,omitempty"`
	Protocol    *Protocol `json:"protocol,omitempty"`
}

type Quote struct {
	RequestID       string    `json:"requestId"`
	SrcChainID      int64     `json:"srcChainId"`
	DestChainID     int64     `json:"destChainId"`
	SrcAsset        TokenInfo `json:"srcAsset"`
	DestAsset       TokenInfo `json:"destAsset"`
	SrcTokenAmount  string    `json:"srcTokenAmount"`
	DestTokenAmount string    `json:"destTokenAmount"`
	FeeData         FeeData   `json:"feeData"`
	BridgeID        string    `json:"bridgeId"`
	Bridges         []string  `json:"bridges"`
	Steps           []Step    `json:"steps"`
}

// TxData is an unsigned transaction descriptor.
type TxData struct {
	ChainID  int64   `json:"chainId"`
	To       string  `json:"to"`
	From     string  `json:"from"`
	Value    string  `json:"value"`
	Data     string  `json:"data"`
	GasLimit *uint64 `json:"gasLimit"`
}

// QuoteResponse is one raw quote as delivered by the quote source.
// L1GasFeesInHexWei is the optional settlement fee attached after fetching.
type QuoteResponse struct {
	Quote                            Quote   `json:"quote"`
	Trade                            *TxData `json:"trade"`
	Approval                         *TxData `json:"approval,omitempty"`
	EstimatedProcessingTimeInSeconds int64   `json:"estimatedProcessingTimeInSeconds"`
	L1GasFeesInHexWei                string  `json:"l1GasFeesInHexWei,omitempty"`
}

// Amount is a decimal amount plus its optional fiat value.
type Amount struct {
	Amount          decimal.Decimal `json:"amount"`
	ValueInCurrency units.Fiat      `json:"valueInCurrency"`
}

// ComposedQuote is a raw quote enriched with derived metrics. It is rebuilt
// on every batch or rate change and never mutated.
type ComposedQuote struct {
	QuoteResponse
	Identity        string              `json:"identity"`
	ToTokenAmount   Amount              `json:"toTokenAmount"`
	SentAmount      Amount              `json:"sentAmount"`
	SwapRate        decimal.NullDecimal `json:"swapRate"`
	GasFee          Amount              `json:"gasFee"`
	RelayerFee      Amount              `json:"relayerFee"`
	TotalNetworkFee Amount              `json:"totalNetworkFee"`
	AdjustedReturn  units.Fiat          `json:"adjustedReturn"`
	Cost            units.Fiat          `json:"cost"`
}

// BatchMeta is the metadata delivered alongside a quote batch.
type BatchMeta struct {
	RequestKey        string     `json:"request_key"`
	QuotesLastFetched *time.Time `json:"quotes_last_fetched,omitempty"`
	QuotesLoading     bool       `json:"quotes_loading"`
	RefreshCount      int        `json:"refresh_count"`
	FetchError        string     `json:"fetch_error,omitempty"`
}

// Identity is the stable key of a route across refreshes: provider id,
// first intermediate hop and step count.
func (q Quote) Identity() string {
	first := ""
	if len(q.Bridges) > 0 {
		first = q.Bridges[0]
	}
	return fmt.Sprintf("%s-%s-%d", q.BridgeID, first, len(q.Steps))
}

// GasFeeLevel holds the suggested fees for one estimate level, in gwei.
type GasFeeLevel struct {
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
}

// GasFeeEstimates is a gas-fee snapshot for one chain. Fees are gwei
// decimal strings; NetworkCongestion is in [0, 1].
type GasFeeEstimates struct {
	ChainID           int64                  `json:"chainId"`
	EstimatedBaseFee  string                 `json:"estimatedBaseFee"`
	Levels            map[string]GasFeeLevel `json:"levels"`
	NetworkCongestion *float64               `json:"networkCongestion,omitempty"`
	FetchedAt         time.Time              `json:"fetchedAt"`
}
