package types

import "math/big"

// Network identifies a payment network as named by the request network.
// The gnosis chain is historically called "xdai" by the request network;
// NormalizeNetwork maps the modern name onto it.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkXDai    Network = "xdai"
	NetworkGnosis  Network = "gnosis"
	NetworkMatic   Network = "matic"
	NetworkGoerli  Network = "goerli" // testnet
)

var networkChainIds = map[Network]*big.Int{
	NetworkMainnet: big.NewInt(1),
	NetworkXDai:    big.NewInt(100),
	NetworkMatic:   big.NewInt(137),
	NetworkGoerli:  big.NewInt(5),
}

// NormalizeNetwork folds aliases onto the canonical request-network name.
func NormalizeNetwork(n Network) Network {
	if n == NetworkGnosis {
		return NetworkXDai
	}
	return n
}

// ChainID returns the EVM chain id for the network, or nil if unknown.
func (n Network) ChainID() *big.Int {
	return networkChainIds[NormalizeNetwork(n)]
}

func (n Network) IsSupported() bool {
	return n.ChainID() != nil
}

func (n Network) IsTestnet() bool {
	return NormalizeNetwork(n) == NetworkGoerli
}

func (n Network) String() string {
	return string(n)
}
