package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
)

func TestCheckChainAllowed(t *testing.T) {
	req := model.QuoteRequest{SrcChainID: 10, DestChainID: 8453}
	if err := CheckChainAllowed(Allowlists{}, req); err != nil {
		t.Fatalf("unexpected error with empty allowlists: %v", err)
	}
	if err := CheckChainAllowed(Allowlists{Src: []int64{10, 42161}, Dest: []int64{8453}}, req); err != nil {
		t.Fatalf("expected chains to be allowed: %v", err)
	}
	err := CheckChainAllowed(Allowlists{Src: []int64{1}}, req)
	if !clierr.Is(err, clierr.CodeBlocked) {
		t.Fatalf("expected source chain to be blocked, got %v", err)
	}
	err = CheckChainAllowed(Allowlists{Dest: []int64{10}}, req)
	if !clierr.Is(err, clierr.CodeBlocked) {
		t.Fatalf("expected destination chain to be blocked, got %v", err)
	}
}
