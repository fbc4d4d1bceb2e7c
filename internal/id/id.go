package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ethereum/go-ethereum/common"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/(erc20|slip44):0x[0-9a-fA-F]{40}$`)
)

// NativeAddress is the address the aggregator uses for a chain's native asset.
var NativeAddress = common.Address{}

type Chain struct {
	Name         string
	Slug         string
	ChainID      int64
	NativeSymbol string
}

func (c Chain) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

// Known reports whether the chain is in the bundled registry. Unknown chains
// have no native currency metadata.
func (c Chain) Known() bool {
	_, ok := chainByID[c.ChainID]
	return ok
}

type Asset struct {
	ChainID  int64
	Address  string
	Symbol   string
	Decimals int
}

// IsNative reports whether the asset is the chain's native currency.
func (a Asset) IsNative() bool {
	return IsNativeAddress(a.Address)
}

func (a Asset) AssetID() string {
	if a.IsNative() {
		return fmt.Sprintf("eip155:%d/slip44:%s", a.ChainID, NativeAddress.Hex())
	}
	return fmt.Sprintf("eip155:%d/erc20:%s", a.ChainID, strings.ToLower(a.Address))
}

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH"},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH"},
	"base":      {Name: "Base", Slug: "base", ChainID: 8453, NativeSymbol: "ETH"},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", ChainID: 42161, NativeSymbol: "ETH"},
	"optimism":  {Name: "Optimism", Slug: "optimism", ChainID: 10, NativeSymbol: "ETH"},
	"polygon":   {Name: "Polygon", Slug: "polygon", ChainID: 137, NativeSymbol: "POL"},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", ChainID: 43114, NativeSymbol: "AVAX"},
	"bsc":       {Name: "BSC", Slug: "bsc", ChainID: 56, NativeSymbol: "BNB"},
	"linea":     {Name: "Linea", Slug: "linea", ChainID: 59144, NativeSymbol: "ETH"},
	"zksync":    {Name: "zkSync Era", Slug: "zksync", ChainID: 324, NativeSymbol: "ETH"},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.ChainID] = chain
	}
	return out
}()

// Small bootstrap registry for deterministic asset parsing.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	},
	8453: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	42161: {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	10: {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	137: {
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	56: {
		{Symbol: "USDC", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "WETH", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18},
	},
	43114: {
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "WETH", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18},
	},
}

// Chains returns the bundled chains ordered by chain id.
func Chains() []Chain {
	out := make([]Chain, 0, len(chainByID))
	for _, chain := range chainByID {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ChainByID returns registry metadata for a chain id, or a placeholder
// without native currency metadata.
func ChainByID(chainID int64) Chain {
	if chain, ok := chainByID[chainID]; ok {
		return chain
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", chainID), Slug: fmt.Sprintf("evm-%d", chainID), ChainID: chainID}
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	if chainID, err := strconv.ParseInt(norm, 10, 64); err == nil && chainID > 0 {
		return ChainByID(chainID), nil
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ParseAsset accepts a symbol, an address or a CAIP-19 id. The chain's native
// symbol and the zero address resolve to the native asset.
func ParseAsset(input string, chain Chain) (Asset, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Asset{}, clierr.New(clierr.CodeUsage, "asset is required")
	}

	if strings.Contains(raw, "/") {
		if !eip155AssetPattern.MatchString(raw) {
			return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
		}
		parts := strings.SplitN(raw, "/", 2)
		if parts[0] != chain.CAIP2() {
			return Asset{}, clierr.New(clierr.CodeUsage, "asset chain does not match chain")
		}
		raw = strings.SplitN(parts[1], ":", 2)[1]
	}

	if evmAddressPattern.MatchString(raw) {
		if IsNativeAddress(raw) {
			return nativeAsset(chain)
		}
		addr := strings.ToLower(raw)
		token, _ := LookupByAddress(chain.ChainID, addr)
		return Asset{ChainID: chain.ChainID, Address: addr, Symbol: token.Symbol, Decimals: token.Decimals}, nil
	}

	if chain.NativeSymbol != "" && strings.EqualFold(raw, chain.NativeSymbol) {
		return nativeAsset(chain)
	}

	matches := findTokensBySymbol(chain.ChainID, raw)
	if len(matches) == 0 {
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in registry for chain %s", input, chain.CAIP2()))
	}
	if len(matches) > 1 {
		addresses := make([]string, 0, len(matches))
		for _, m := range matches {
			addresses = append(addresses, m.Address)
		}
		sort.Strings(addresses)
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s is ambiguous on chain %s, use address (%s)", input, chain.CAIP2(), strings.Join(addresses, ", ")))
	}
	t := matches[0]
	return Asset{ChainID: chain.ChainID, Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals}, nil
}

func nativeAsset(chain Chain) (Asset, error) {
	if chain.NativeSymbol == "" {
		return Asset{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("native currency unknown for chain %s", chain.CAIP2()))
	}
	return Asset{ChainID: chain.ChainID, Address: NativeAddress.Hex(), Symbol: chain.NativeSymbol, Decimals: 18}, nil
}

// IsNativeAddress reports whether address is the zero address or empty.
func IsNativeAddress(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return true
	}
	if !common.IsHexAddress(address) {
		return false
	}
	return common.HexToAddress(address) == NativeAddress
}

// AddressEqual compares EVM addresses case-insensitively.
func AddressEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func findTokensBySymbol(chainID int64, symbol string) []Token {
	matches := []Token{}
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			matches = append(matches, Token{
				Symbol:   strings.ToUpper(t.Symbol),
				Address:  strings.ToLower(t.Address),
				Decimals: t.Decimals,
			})
		}
	}
	return matches
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if AddressEqual(t.Address, address) {
			return Token{Symbol: strings.ToUpper(t.Symbol), Address: strings.ToLower(t.Address), Decimals: t.Decimals}, true
		}
	}
	return Token{}, false
}
