package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	erc20ABI  = mustABI(registry.ERC20BalanceABI)
	oracleABI = mustABI(registry.GasPriceOracleABI)
)

// Priority fee multipliers per estimate level. Max fee is twice the base
// fee plus the level's priority fee.
var levelMultipliers = map[string]decimal.Decimal{
	"low":    decimal.NewFromInt(1),
	"medium": decimal.RequireFromString("1.5"),
	"high":   decimal.NewFromInt(2),
}

// Client reads gas fees, balances and L1 data fees from chain RPC nodes.
type Client struct {
	overrides map[int64]string
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	clients map[int64]*ethclient.Client
}

func New(overrides map[int64]string, timeout time.Duration) *Client {
	return &Client{
		overrides: overrides,
		timeout:   timeout,
		log:       zerolog.Nop(),
		now:       time.Now,
		clients:   map[int64]*ethclient.Client{},
	}
}

func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log.With().Str("component", "rpc").Logger()
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "rpc",
		Type:         "chain",
		RequiresKey:  false,
		Capabilities: []string{"gas.estimates", "gas.l1fee", "balance.native", "balance.erc20"},
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chainID, client := range c.clients {
		client.Close()
		delete(c.clients, chainID)
	}
}

func (c *Client) client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[chainID]; ok {
		return client, nil
	}
	rpcURL, err := registry.ResolveRPCURL(c.overrides, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnsupported, "resolve rpc url", err)
	}
	rc, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	client := ethclient.NewClient(rc)
	c.clients[chainID] = client
	return client, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type latestBlock struct {
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	GasUsed       hexutil.Uint64 `json:"gasUsed"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
}

// GasFeeEstimates builds a fee snapshot from the latest block's base fee and
// the node's suggested priority fee. Congestion is the block's gas-used ratio.
func (c *Client) GasFeeEstimates(ctx context.Context, chainID int64) (model.GasFeeEstimates, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.client(ctx, chainID)
	if err != nil {
		return model.GasFeeEstimates{}, err
	}

	var block *latestBlock
	if err := client.Client().CallContext(ctx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		return model.GasFeeEstimates{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest block", err)
	}
	if block == nil || block.BaseFeePerGas == nil {
		return model.GasFeeEstimates{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain %d does not report a base fee", chainID))
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return model.GasFeeEstimates{}, clierr.Wrap(clierr.CodeUnavailable, "fetch priority fee", err)
	}

	baseGwei := weiToGwei(block.BaseFeePerGas.ToInt())
	tipGwei := weiToGwei(tip)
	levels := make(map[string]model.GasFeeLevel, len(levelMultipliers))
	for level, mult := range levelMultipliers {
		priority := tipGwei.Mul(mult)
		levels[level] = model.GasFeeLevel{
			SuggestedMaxPriorityFeePerGas: priority.String(),
			SuggestedMaxFeePerGas:         baseGwei.Mul(decimal.NewFromInt(2)).Add(priority).String(),
		}
	}

	est := model.GasFeeEstimates{
		ChainID:          chainID,
		EstimatedBaseFee: baseGwei.String(),
		Levels:           levels,
		FetchedAt:        c.now().UTC(),
	}
	if block.GasLimit > 0 {
		ratio, _ := decimal.NewFromInt(int64(block.GasUsed)).
			DivRound(decimal.NewFromInt(int64(block.GasLimit)), 4).Float64()
		est.NetworkCongestion = &ratio
	}
	return est, nil
}

// L1Fee prices the L1 data portion of tx through the OP-stack gas price
// oracle and returns it as hex wei.
func (c *Client) L1Fee(ctx context.Context, chainID int64, tx model.TxData) (string, error) {
	if !registry.HasGasPriceOracle(chainID) {
		return "", clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain %d has no gas price oracle", chainID))
	}
	raw, err := unsignedTxBytes(chainID, tx)
	if err != nil {
		return "", err
	}
	data, err := oracleABI.Pack("getL1Fee", raw)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack getL1Fee", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.client(ctx, chainID)
	if err != nil {
		return "", err
	}
	oracle := common.HexToAddress(registry.GasPriceOracleAddress)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: data}, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "call getL1Fee", err)
	}
	decoded, err := oracleABI.Unpack("getL1Fee", out)
	if err != nil || len(decoded) == 0 {
		return "", clierr.Wrap(clierr.CodeUnavailable, "decode getL1Fee", err)
	}
	fee, ok := decoded[0].(*big.Int)
	if !ok {
		return "", clierr.New(clierr.CodeUnavailable, "decode getL1Fee: unexpected type")
	}
	return hexutil.EncodeBig(fee), nil
}

// Balance returns owner's normalized balance of asset on chainID.
func (c *Client) Balance(ctx context.Context, chainID int64, asset string, owner string) (decimal.Decimal, error) {
	if !common.IsHexAddress(owner) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "balance owner must be a valid EVM address")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.client(ctx, chainID)
	if err != nil {
		return decimal.Zero, err
	}
	ownerAddr := common.HexToAddress(owner)

	if id.IsNativeAddress(asset) {
		wei, err := client.BalanceAt(ctx, ownerAddr, nil)
		if err != nil {
			return decimal.Zero, clierr.Wrap(clierr.CodeUnavailable, "fetch native balance", err)
		}
		return units.WeiToNative(wei), nil
	}
	if !common.IsHexAddress(asset) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "balance asset must be a valid EVM address")
	}
	token := common.HexToAddress(asset)

	raw, err := c.callUint(ctx, client, token, "balanceOf", ownerAddr)
	if err != nil {
		return decimal.Zero, err
	}
	decimals := 0
	if known, ok := id.LookupByAddress(chainID, asset); ok {
		decimals = known.Decimals
	} else {
		d, err := c.callUint(ctx, client, token, "decimals")
		if err != nil {
			return decimal.Zero, err
		}
		decimals = int(d.Int64())
	}
	return decimal.NewFromBigInt(raw, int32(-decimals)), nil
}

func (c *Client) callUint(ctx context.Context, client *ethclient.Client, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "call "+method, err)
	}
	decoded, err := erc20ABI.Unpack(method, out)
	if err != nil || len(decoded) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	switch v := decoded[0].(type) {
	case *big.Int:
		return v, nil
	case uint8:
		return big.NewInt(int64(v)), nil
	default:
		return nil, clierr.New(clierr.CodeUnavailable, "decode "+method+": unexpected type")
	}
}

func unsignedTxBytes(chainID int64, tx model.TxData) ([]byte, error) {
	if !common.IsHexAddress(tx.To) {
		return nil, clierr.New(clierr.CodeMalformedQuote, "transaction target must be a valid EVM address")
	}
	value, err := units.ParseHexWei(tx.Value)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeMalformedQuote, "parse transaction value", err)
	}
	gas := uint64(0)
	if tx.GasLimit != nil {
		gas = *tx.GasLimit
	}
	to := common.HexToAddress(tx.To)
	raw, err := types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(chainID),
		To:      &to,
		Value:   value,
		Data:    common.FromHex(tx.Data),
		Gas:     gas,
	}).MarshalBinary()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode transaction", err)
	}
	return raw, nil
}

func weiToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -units.GweiDecimals)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
