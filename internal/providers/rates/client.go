package rates

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/cache"
	"github.com/ggonzalez94/bridge-quotes/internal/httpx"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// NativeRateStore persists native-currency rates between runs.
type NativeRateStore interface {
	PutNativeRate(chainID int64, currency string, rate decimal.Decimal, fetchedAt time.Time) error
	NativeRate(chainID int64, currency string, maxAge time.Duration) (cache.RateEntry, error)
}

type Client struct {
	http    *httpx.Client
	baseURL string
	store   NativeRateStore
	maxAge  time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = registry.PriceAPIBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
}

// WithStore enables the native rate fallback. Cached rates older than maxAge
// are still served but logged as stale.
func (c *Client) WithStore(store NativeRateStore, maxAge time.Duration) *Client {
	c.store = store
	c.maxAge = maxAge
	return c
}

func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log.With().Str("component", "rates").Logger()
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "prices",
		Type:         "rates",
		RequiresKey:  false,
		Capabilities: []string{"rates.spot", "rates.native"},
	}
}

// spotPrices maps a lowercased token address to its price per currency.
type spotPrices map[string]map[string]decimal.Decimal

func (c *Client) SpotRates(ctx context.Context, chainID int64, addresses []string, currency string) (map[string]units.Rate, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	out := make(map[string]units.Rate, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}

	normalized := make([]string, 0, len(addresses))
	seen := map[string]struct{}{}
	for _, addr := range addresses {
		key := rateKey(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}

	vals := url.Values{}
	vals.Set("tokenAddresses", strings.Join(normalized, ","))
	vals.Set("vsCurrency", currency)
	var resp spotPrices
	path := fmt.Sprintf("/v1/chains/%d/spot-prices", chainID)
	if err := c.http.GetJSON(ctx, c.baseURL, path, vals, &resp); err != nil {
		return nil, err
	}

	for addr, prices := range resp {
		price, ok := prices[currency]
		if !ok {
			continue
		}
		rate := units.NewRate(price)
		if !rate.Valid() {
			continue
		}
		out[rateKey(addr)] = rate
	}
	return out, nil
}

// NativeRate returns the rate of chainID's native currency. Fresh values are
// written to the store; when the price API fails the stored value is used.
func (c *Client) NativeRate(ctx context.Context, chainID int64, currency string) (units.Rate, error) {
	native := rateKey(id.NativeAddress.Hex())
	rates, err := c.SpotRates(ctx, chainID, []string{native}, currency)
	if err == nil {
		if value, ok := rates[native].Get(); ok {
			if c.store != nil {
				if perr := c.store.PutNativeRate(chainID, currency, value, c.now()); perr != nil {
					c.log.Debug().Err(perr).Int64("chain_id", chainID).Msg("failed to cache native rate")
				}
			}
			return rates[native], nil
		}
	}
	if c.store == nil {
		return units.NoRate, err
	}

	entry, cerr := c.store.NativeRate(chainID, currency, c.maxAge)
	if cerr != nil || !entry.Hit {
		return units.NoRate, err
	}
	c.log.Debug().
		Int64("chain_id", chainID).
		Dur("age", entry.Age).
		Bool("stale", entry.Stale).
		AnErr("fetch_error", err).
		Msg("using cached native rate")
	return units.NewRate(entry.Rate), nil
}

func rateKey(addr string) string {
	if id.IsNativeAddress(addr) {
		return strings.ToLower(id.NativeAddress.Hex())
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
