package registry

// StakingContracts are the service registry deployments used to read staked
// OLAS (operator bond and service deposit) for a chain.
type StakingContracts struct {
	ServiceRegistry             string
	ServiceRegistryTokenUtility string
}

var stakingContractsByChainID = map[int64]StakingContracts{
	100: {
		ServiceRegistry:             "0x9338b5153AE39BB89f50468E608eD9d764B755fD",
		ServiceRegistryTokenUtility: "0xa45E64d13A30a51b91ae0eb182e88a40e9b18eD8",
	},
	8453: {
		ServiceRegistry:             "0x3C1fF68f5aa342D296d4DEe4Bb1cACCA912D95fE",
		ServiceRegistryTokenUtility: "0x34C895f302D0b5cf52ec0Edd3945321EB0f83dd5",
	},
	34443: {
		ServiceRegistry:             "0x3C1fF68f5aa342D296d4DEe4Bb1cACCA912D95fE",
		ServiceRegistryTokenUtility: "0x34C895f302D0b5cf52ec0Edd3945321EB0f83dd5",
	},
	10: {
		ServiceRegistry:             "0x3d77596beb0f130a4415df3D2D8232B3d3D31e44",
		ServiceRegistryTokenUtility: "0xBb7e1D6Cb6F243D6bdE81CE92a9f2aFF7Fbe7eac",
	},
}

func Staking(chainID int64) (StakingContracts, bool) {
	contracts, ok := stakingContractsByChainID[chainID]
	return contracts, ok
}
