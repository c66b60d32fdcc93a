// Package tokens resolves token metadata for display formatting.
// Settlement logic never depends on it; amounts stay in base units.
package tokens

import (
	"strings"
	"sync"

	"github.com/vitwit/reqpay/types"
)

// Token describes an ERC20 token on a payment network.
type Token struct {
	Network  types.Network `json:"network"`
	Address  string        `json:"address"`
	Symbol   string        `json:"symbol"`
	Decimals int           `json:"decimals"`
}

// Resolver maps (network, contract address) to token metadata. Lookups
// are case-insensitive on the address. Safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewResolver returns a resolver seeded with the default token table.
func NewResolver() *Resolver {
	r := &Resolver{tokens: make(map[string]Token)}
	for _, t := range defaultTokens {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a token entry.
func (r *Resolver) Register(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[key(t.Network, t.Address)] = t
}

// Resolve looks up a token by network and contract address.
func (r *Resolver) Resolve(network types.Network, address string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[key(network, address)]
	return t, ok
}

// ResolveCurrency resolves the token backing a currency reference.
// Native currencies resolve to the chain's native coin at 18 decimals.
func (r *Resolver) ResolveCurrency(c types.CurrencyRef) (Token, bool) {
	if c.IsNative() {
		return Token{
			Network:  types.NormalizeNetwork(c.Network),
			Symbol:   nativeSymbol(c.Network),
			Decimals: 18,
		}, true
	}
	return r.Resolve(c.Network, c.Address)
}

// Supported returns all registered tokens for a network.
func (r *Resolver) Supported(network types.Network) []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := types.NormalizeNetwork(network)
	var out []Token
	for _, t := range r.tokens {
		if types.NormalizeNetwork(t.Network) == n {
			out = append(out, t)
		}
	}
	return out
}

func key(network types.Network, address string) string {
	return string(types.NormalizeNetwork(network)) + "/" + strings.ToLower(address)
}

func nativeSymbol(network types.Network) string {
	switch types.NormalizeNetwork(network) {
	case types.NetworkXDai:
		return "xDAI"
	case types.NetworkMatic:
		return "MATIC"
	default:
		return "ETH"
	}
}

var defaultTokens = []Token{
	{Network: types.NetworkMainnet, Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Symbol: "DAI", Decimals: 18},
	{Network: types.NetworkMainnet, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6},
	{Network: types.NetworkXDai, Address: "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d", Symbol: "WXDAI", Decimals: 18},
	{Network: types.NetworkXDai, Address: "0xDDAfbb505ad214D7b80b1f830fcCc89B60fb7A83", Symbol: "USDC", Decimals: 6},
	{Network: types.NetworkMatic, Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Symbol: "DAI", Decimals: 18},
	{Network: types.NetworkGoerli, Address: "0xBA62BCfcAaFc6622853cca2BE6Ac7d845BC0f2Dc", Symbol: "FAU", Decimals: 18},
}
