package registry

// ABI fragments for on-chain balance and staking reads.
const (
	ERC20BalanceABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	ServiceRegistryTokenUtilityABI = `[
		{"name":"getOperatorBalance","type":"function","stateMutability":"view","inputs":[{"name":"operator","type":"address"},{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"balance","type":"uint256"}]},
		{"name":"mapServiceIdTokenDeposit","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"token","type":"address"},{"name":"securityDeposit","type":"uint96"}]}
	]`

	ServiceRegistryL2ABI = `[
		{"name":"mapServices","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"securityDeposit","type":"uint96"},{"name":"multisig","type":"address"},{"name":"configHash","type":"bytes32"},{"name":"threshold","type":"uint32"},{"name":"maxNumAgentInstances","type":"uint32"},{"name":"numAgentInstances","type":"uint32"},{"name":"state","type":"uint8"}]}
	]`
)
