package policy

import (
	"fmt"
	"slices"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
)

// Allowlists restricts which chains may be used on each side of a bridge.
// An empty list allows every chain.
type Allowlists struct {
	Src  []int64
	Dest []int64
}

func (a Allowlists) SrcAllowed(chainID int64) bool {
	return len(a.Src) == 0 || slices.Contains(a.Src, chainID)
}

func (a Allowlists) DestAllowed(chainID int64) bool {
	return len(a.Dest) == 0 || slices.Contains(a.Dest, chainID)
}

// CheckChainAllowed rejects requests whose source or destination chain is
// outside the configured allowlists.
func CheckChainAllowed(lists Allowlists, req model.QuoteRequest) error {
	if !lists.SrcAllowed(req.SrcChainID) {
		return clierr.New(clierr.CodeBlocked, fmt.Sprintf("source chain %d blocked by src_chain_allowlist", req.SrcChainID))
	}
	if !lists.DestAllowed(req.DestChainID) {
		return clierr.New(clierr.CodeBlocked, fmt.Sprintf("destination chain %d blocked by dest_chain_allowlist", req.DestChainID))
	}
	return nil
}
