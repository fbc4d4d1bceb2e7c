package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20BalanceABI, ERC20ApproveABI, GasPriceOracleABI} {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestHasGasPriceOracle(t *testing.T) {
	if !HasGasPriceOracle(10) || !HasGasPriceOracle(8453) {
		t.Fatal("expected optimism and base to expose the gas price oracle")
	}
	if HasGasPriceOracle(42161) {
		t.Fatal("did not expect arbitrum to expose the op-stack oracle")
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(8453); !ok || rpc == "" {
		t.Fatalf("expected base rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unsupported chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(map[int64]string{1: " https://rpc.example.test "}, 1)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}

	defaultRPC, err := ResolveRPCURL(nil, 10)
	if err != nil {
		t.Fatalf("resolve with default: %v", err)
	}
	if defaultRPC == "" {
		t.Fatal("expected non-empty default rpc")
	}

	if _, err := ResolveRPCURL(nil, 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

func TestIsAllowedEndpoint(t *testing.T) {
	if !IsAllowedEndpoint(ServiceAggregator, "") {
		t.Fatal("expected empty endpoint to be allowed")
	}
	if !IsAllowedEndpoint(ServiceAggregator, AggregatorBaseURL) {
		t.Fatal("expected default aggregator endpoint to be allowed")
	}
	if IsAllowedEndpoint(ServicePrices, "http://prices.example.com") {
		t.Fatal("did not expect non-https endpoint to be allowed for non-loopback")
	}
	if !IsAllowedEndpoint(ServicePrices, "http://127.0.0.1:8080") {
		t.Fatal("expected loopback endpoint to be allowed for tests/dev")
	}
	if IsAllowedEndpoint("unknown", "https://example.com") {
		t.Fatal("did not expect endpoint for unknown service")
	}
	if IsAllowedEndpoint(ServiceAggregator, "not-a-url") {
		t.Fatal("did not expect malformed endpoint to be allowed")
	}
}

func TestDefaultEndpointPerService(t *testing.T) {
	for service, want := range map[string]string{
		ServiceAggregator: AggregatorBaseURL,
		ServicePrices:     PriceAPIBaseURL,
		" LiFi ":          LiFiBaseURL,
	} {
		got, ok := DefaultEndpoint(service)
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %q ok=%v", service, want, got, ok)
		}
	}
	if !IsAllowedEndpoint(ServiceLiFi, "http://localhost:4000/v1") {
		t.Fatal("expected loopback lifi override to be allowed")
	}
}
