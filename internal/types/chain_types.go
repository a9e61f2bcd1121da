// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is an EVM chain id
type ChainID uint64

// Supported blockchain networks
const (
	ChainEthereum ChainID = 1
	ChainOptimism ChainID = 10
	ChainUnichain ChainID = 130
	ChainBase     ChainID = 8453
	ChainArbitrum ChainID = 42161
)

var chainNames = map[ChainID]string{
	ChainEthereum: "ethereum",
	ChainOptimism: "optimism",
	ChainUnichain: "unichain",
	ChainBase:     "base",
	ChainArbitrum: "arbitrum",
}

// String returns the network name, or the numeric id for unknown chains
func (c ChainID) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return strconv.FormatUint(uint64(c), 10)
}

// Label is the decimal form used for metric labels and message subjects
func (c ChainID) Label() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ChainConfig holds connection and contract configuration for a specific blockchain network
type ChainConfig struct {
	ChainID     ChainID        `yaml:"chain_id" json:"chain_id"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	RPCEndpoint string         `yaml:"rpc_endpoint" json:"rpc_endpoint"`
	PriceID     string         `yaml:"price_id" json:"price_id"` // native asset id at the price source
	WETH        common.Address `yaml:"weth" json:"weth"`
	USDC        common.Address `yaml:"usdc" json:"usdc"`
	SpokePool   common.Address `yaml:"spoke_pool" json:"spoke_pool"` // bridge deposit contract
	Compact     common.Address `yaml:"compact" json:"compact"`       // resource lock contract
}

// TokenAddress returns the contract address of a fungible token on this chain.
// The native asset has no contract and yields the zero address.
func (c ChainConfig) TokenAddress(t Token) common.Address {
	switch t {
	case TokenWETH:
		return c.WETH
	case TokenUSDC:
		return c.USDC
	default:
		return common.Address{}
	}
}

// TokenForAddress resolves a token contract address on this chain. The zero address is ETH.
func (c ChainConfig) TokenForAddress(addr common.Address) (Token, bool) {
	switch addr {
	case common.Address{}:
		return TokenETH, true
	case c.WETH:
		return TokenWETH, true
	case c.USDC:
		return TokenUSDC, true
	}
	return 0, false
}

// DefaultChains returns the built-in chain configuration. RPC endpoints are filled from the
// environment by the config package.
func DefaultChains() map[ChainID]ChainConfig {
	l2WETH := common.HexToAddress("0x4200000000000000000000000000000000000006")
	compact := common.HexToAddress("0x00000000000018DF021Ff2467dF97ff846E09f48")
	return map[ChainID]ChainConfig{
		ChainEthereum: {
			ChainID:   ChainEthereum,
			Enabled:   true,
			PriceID:   "ethereum",
			WETH:      common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			USDC:      common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			SpokePool: common.HexToAddress("0x5c7BCd6E7De5423a257D81B442095A1a6ced35C5"),
			Compact:   compact,
		},
		ChainOptimism: {
			ChainID:   ChainOptimism,
			Enabled:   true,
			PriceID:   "ethereum",
			WETH:      l2WETH,
			USDC:      common.HexToAddress("0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85"),
			SpokePool: common.HexToAddress("0x6f26Bf09B1C792e3228e5467807a900A503c0281"),
			Compact:   compact,
		},
		ChainUnichain: {
			ChainID:   ChainUnichain,
			Enabled:   true,
			PriceID:   "ethereum",
			WETH:      l2WETH,
			USDC:      common.HexToAddress("0x078D782b760474a361dDA0AF3839290b0EF57AD6"),
			SpokePool: common.HexToAddress("0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64"),
			Compact:   compact,
		},
		ChainBase: {
			ChainID:   ChainBase,
			Enabled:   true,
			PriceID:   "ethereum",
			WETH:      l2WETH,
			USDC:      common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			SpokePool: common.HexToAddress("0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64"),
			Compact:   compact,
		},
		ChainArbitrum: {
			ChainID:   ChainArbitrum,
			Enabled:   true,
			PriceID:   "ethereum",
			WETH:      common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
			USDC:      common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
			SpokePool: common.HexToAddress("0xe35e9842fceaCA96570B734083f4a58e8F7C5f2A"),
			Compact:   compact,
		},
	}
}

// ParseChainID parses a decimal chain id
func ParseChainID(s string) (ChainID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	return ChainID(v), nil
}
