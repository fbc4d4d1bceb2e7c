package registry

// GasPriceOracleAddress is the OP-stack predeploy that prices the L1 data
// portion of a transaction.
const GasPriceOracleAddress = "0x420000000000000000000000000000000000000F"

// OP-stack chains that expose the gas price oracle predeploy.
var gasPriceOracleChains = map[int64]struct{}{
	10:   {},
	8453: {},
}

func HasGasPriceOracle(chainID int64) bool {
	_, ok := gasPriceOracleChains[chainID]
	return ok
}
