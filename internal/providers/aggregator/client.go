package aggregator

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/httpx"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/providers"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/rs/zerolog"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	log     zerolog.Logger
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = registry.AggregatorBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), log: zerolog.Nop()}
}

func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log.With().Str("component", "aggregator").Logger()
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "aggregator",
		Type:         "quotes",
		RequiresKey:  false,
		Capabilities: []string{"bridge.quote"},
	}
}

// FetchQuotes requests one batch for req. Quotes answering a different
// chain pair than requested are left out of the batch.
func (c *Client) FetchQuotes(ctx context.Context, req model.QuoteRequest) ([]model.QuoteResponse, error) {
	if !providers.IsValidQuoteRequest(req, true) {
		return nil, clierr.New(clierr.CodeUsage, "quote request is missing chain, token, amount or slippage")
	}

	vals := url.Values{}
	vals.Set("srcChainId", strconv.FormatInt(req.SrcChainID, 10))
	vals.Set("destChainId", strconv.FormatInt(req.DestChainID, 10))
	vals.Set("srcTokenAddress", req.SrcTokenAddress)
	vals.Set("destTokenAddress", req.DestTokenAddress)
	vals.Set("srcTokenAmount", req.SrcTokenAmount)
	vals.Set("slippage", strconv.FormatFloat(*req.Slippage, 'f', -1, 64))
	vals.Set("insufficientBal", strconv.FormatBool(req.InsufficientBal))
	if req.WalletAddress != "" {
		vals.Set("walletAddress", req.WalletAddress)
	}

	var resp []model.QuoteResponse
	if err := c.http.GetJSON(ctx, c.baseURL, "/getQuote", vals, &resp); err != nil {
		return nil, err
	}

	out := make([]model.QuoteResponse, 0, len(resp))
	for _, item := range resp {
		if item.Quote.SrcChainID != req.SrcChainID || item.Quote.DestChainID != req.DestChainID {
			c.log.Debug().
				Str("identity", item.Quote.Identity()).
				Int64("src_chain", item.Quote.SrcChainID).
				Int64("dest_chain", item.Quote.DestChainID).
				Msg("skipping quote for another chain pair")
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
