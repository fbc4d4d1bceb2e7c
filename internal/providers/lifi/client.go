package lifi

import (
	"context"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/httpx"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/providers"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/rs/zerolog"
)

const (
	// placeholderSender is quoted when no wallet is connected.
	placeholderSender = "0x0000000000000000000000000000000000000001"
	// approvalGasLimit is charged for the ERC20 approval LiFi leaves to the
	// caller.
	approvalGasLimit = 60_000
)

// Client turns LiFi /quote answers into single-quote batches.
type Client struct {
	http    *httpx.Client
	baseURL string
	log     zerolog.Logger
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = registry.LiFiBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), log: zerolog.Nop()}
}

func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log.With().Str("component", "lifi").Logger()
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "lifi",
		Type:         "quotes",
		RequiresKey:  false,
		Capabilities: []string{"bridge.quote"},
	}
}

type token struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals *int   `json:"decimals"`
}

type toolDetails struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type quoteResponse struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Action struct {
		FromChainID int64 `json:"fromChainId"`
		ToChainID   int64 `json:"toChainId"`
		FromToken   token `json:"fromToken"`
		ToToken     token `json:"toToken"`
	} `json:"action"`
	Estimate struct {
		FromAmount        string `json:"fromAmount"`
		ToAmount          string `json:"toAmount"`
		ApprovalAddress   string `json:"approvalAddress"`
		ExecutionDuration int64  `json:"executionDuration"`
	} `json:"estimate"`
	ToolDetails        toolDetails `json:"toolDetails"`
	IncludedSteps      []quoteStep `json:"includedSteps"`
	TransactionRequest struct {
		To       string `json:"to"`
		From     string `json:"from"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		ChainID  int64  `json:"chainId"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

type quoteStep struct {
	Type        string      `json:"type"`
	Tool        string      `json:"tool"`
	ToolDetails toolDetails `json:"toolDetails"`
	Action      struct {
		FromChainID int64 `json:"fromChainId"`
		ToChainID   int64 `json:"toChainId"`
	} `json:"action"`
	Estimate struct {
		FromAmount string `json:"fromAmount"`
		ToAmount   string `json:"toAmount"`
	} `json:"estimate"`
}

// FetchQuotes asks LiFi for its best route and returns it as a one-quote
// batch. LiFi carries no protocol fee on top of the source amount.
func (c *Client) FetchQuotes(ctx context.Context, req model.QuoteRequest) ([]model.QuoteResponse, error) {
	if !providers.IsValidQuoteRequest(req, true) {
		return nil, clierr.New(clierr.CodeUsage, "quote request is missing chain, token, amount or slippage")
	}
	sender := strings.TrimSpace(req.WalletAddress)
	if sender == "" {
		sender = placeholderSender
	}

	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.SrcChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.DestChainID, 10))
	vals.Set("fromToken", req.SrcTokenAddress)
	vals.Set("toToken", req.DestTokenAddress)
	vals.Set("fromAmount", req.SrcTokenAmount)
	vals.Set("slippage", strconv.FormatFloat(*req.Slippage/100, 'f', -1, 64))
	vals.Set("fromAddress", sender)

	var resp quoteResponse
	if err := c.http.GetJSON(ctx, c.baseURL, "/quote", vals, &resp); err != nil {
		return nil, err
	}
	if resp.Action.FromChainID != req.SrcChainID || resp.Action.ToChainID != req.DestChainID {
		c.log.Debug().
			Str("id", resp.ID).
			Int64("src_chain", resp.Action.FromChainID).
			Int64("dest_chain", resp.Action.ToChainID).
			Msg("skipping quote for another chain pair")
		return []model.QuoteResponse{}, nil
	}

	quote, err := toQuoteResponse(resp, sender)
	if err != nil {
		return nil, err
	}
	return []model.QuoteResponse{quote}, nil
}

func toQuoteResponse(resp quoteResponse, sender string) (model.QuoteResponse, error) {
	if strings.TrimSpace(resp.Estimate.ToAmount) == "" {
		return model.QuoteResponse{}, clierr.New(clierr.CodeUnavailable, "lifi quote missing output amount")
	}
	tx := resp.TransactionRequest
	if strings.TrimSpace(tx.To) == "" {
		return model.QuoteResponse{}, clierr.New(clierr.CodeUnavailable, "lifi quote missing transaction request")
	}
	trade := &model.TxData{
		ChainID: firstChain(tx.ChainID, resp.Action.FromChainID),
		To:      tx.To,
		From:    firstNonEmpty(tx.From, sender),
		Value:   firstNonEmpty(tx.Value, "0x0"),
		Data:    ensureHexPrefix(tx.Data),
	}
	if strings.TrimSpace(tx.GasLimit) != "" {
		gas, err := parseGasLimit(tx.GasLimit)
		if err != nil {
			return model.QuoteResponse{}, clierr.Wrap(clierr.CodeUnavailable, "parse lifi gas limit", err)
		}
		trade.GasLimit = &gas
	}

	approval, err := approvalTx(resp, sender)
	if err != nil {
		return model.QuoteResponse{}, err
	}

	bridge := firstNonEmpty(resp.ToolDetails.Key, resp.Tool)
	steps := make([]model.Step, 0, len(resp.IncludedSteps))
	for _, step := range resp.IncludedSteps {
		steps = append(steps, model.Step{
			Action:      stepAction(step.Type),
			SrcChainID:  step.Action.FromChainID,
			DestChainID: step.Action.ToChainID,
			SrcAmount:   step.Estimate.FromAmount,
			DestAmount:  step.Estimate.ToAmount,
			Protocol: &model.Protocol{
				Name:        firstNonEmpty(step.ToolDetails.Key, step.Tool),
				DisplayName: step.ToolDetails.Name,
			},
		})
	}

	return model.QuoteResponse{
		Quote: model.Quote{
			RequestID:       resp.ID,
			SrcChainID:      resp.Action.FromChainID,
			DestChainID:     resp.Action.ToChainID,
			SrcAsset:        toTokenInfo(resp.Action.FromToken, resp.Action.FromChainID),
			DestAsset:       toTokenInfo(resp.Action.ToToken, resp.Action.ToChainID),
			SrcTokenAmount:  resp.Estimate.FromAmount,
			DestTokenAmount: resp.Estimate.ToAmount,
			BridgeID:        "lifi",
			Bridges:         []string{bridge},
			Steps:           steps,
		},
		Trade:                            trade,
		Approval:                         approval,
		EstimatedProcessingTimeInSeconds: resp.Estimate.ExecutionDuration,
	}, nil
}

var erc20ApproveABI = mustABI(registry.ERC20ApproveABI)

// approvalTx builds approve(spender, fromAmount) for ERC20 sources. LiFi
// does not check the allowance, so the approval is always priced in.
func approvalTx(resp quoteResponse, sender string) (*model.TxData, error) {
	tokenAddr := strings.TrimSpace(resp.Action.FromToken.Address)
	spender := strings.TrimSpace(resp.Estimate.ApprovalAddress)
	if spender == "" || id.IsNativeAddress(tokenAddr) {
		return nil, nil
	}
	if !common.IsHexAddress(tokenAddr) || !common.IsHexAddress(spender) {
		return nil, clierr.New(clierr.CodeUnavailable, "lifi quote returned invalid approval address")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(resp.Estimate.FromAmount), 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "lifi quote returned invalid source amount")
	}
	data, err := erc20ApproveABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	gas := uint64(approvalGasLimit)
	return &model.TxData{
		ChainID:  resp.Action.FromChainID,
		To:       common.HexToAddress(tokenAddr).Hex(),
		From:     sender,
		Value:    "0x0",
		Data:     hexutil.Encode(data),
		GasLimit: &gas,
	}, nil
}

func toTokenInfo(t token, chainID int64) model.TokenInfo {
	return model.TokenInfo{
		Address:  t.Address,
		ChainID:  firstChain(t.ChainID, chainID),
		Symbol:   t.Symbol,
		Name:     t.Name,
		Decimals: t.Decimals,
	}
}

func stepAction(kind string) string {
	switch strings.ToLower(kind) {
	case "cross":
		return "bridge"
	case "":
		return "swap"
	default:
		return strings.ToLower(kind)
	}
}

// parseGasLimit accepts hex ("0x2bf20") and decimal gas limits.
func parseGasLimit(v string) (uint64, error) {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		digits := strings.TrimLeft(clean[2:], "0")
		if digits == "" {
			digits = "0"
		}
		return hexutil.DecodeUint64("0x" + digits)
	}
	return strconv.ParseUint(clean, 10, 64)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func firstChain(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}
