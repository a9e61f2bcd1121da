package validation

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

func (c *checker) address(field, v string) common.Address {
	if !strings.HasPrefix(v, "0x") || len(v) != 2+2*common.AddressLength || !common.IsHexAddress(v) {
		c.fail(field, "must be a 0x-prefixed 20-byte hex address")
		return common.Address{}
	}
	return common.HexToAddress(v)
}

func (c *checker) hash(field, v string) common.Hash {
	b, err := hexutil.Decode(v)
	if err != nil || len(b) != common.HashLength {
		c.fail(field, "must be a 0x-prefixed 32-byte hex string")
		return common.Hash{}
	}
	return common.BytesToHash(b)
}

// signature accepts 64-byte compact (EIP-2098) and 65-byte signatures
func (c *checker) signature(field, v string) []byte {
	b, err := hexutil.Decode(v)
	if err != nil || (len(b) != 64 && len(b) != 65) {
		c.fail(field, "must be a 0x-prefixed 64 or 65 byte hex signature")
		return nil
	}
	return b
}

// number parses a decimal or 0x-prefixed hex uint256
func (c *checker) number(field, v string) *big.Int {
	if strings.TrimSpace(v) == "" {
		c.fail(field, "is required")
		return nil
	}
	n, ok := math.ParseBig256(v)
	if !ok || n.Sign() < 0 {
		c.fail(field, "must be a decimal or hex uint256")
		return nil
	}
	return n
}
