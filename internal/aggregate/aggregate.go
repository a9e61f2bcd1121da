// Package aggregate values token holdings in USD and works out each chain's share of the total
package aggregate

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// Holding is a token balance on one chain together with the USD price of one whole token
type Holding struct {
	ChainID types.ChainID
	Amount  *big.Int
	Price   float64
}

// ChainShare is one chain's position in a token portfolio
type ChainShare struct {
	ChainID types.ChainID
	Amount  *big.Int
	Price   float64
	USD     float64
	Percent float64
}

// Portfolio is the cross-chain USD breakdown of one token
type Portfolio struct {
	Token    types.Token
	TotalUSD float64
	Chains   map[types.ChainID]ChainShare
}

// ToUnits converts an amount in the token's smallest unit to whole tokens
func ToUnits(amount *big.Int, t types.Token) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -t.Decimals())
}

// USDValue returns amount × price, where price is per whole token
func USDValue(amount *big.Int, t types.Token, price float64) float64 {
	v, _ := ToUnits(amount, t).Mul(decimal.NewFromFloat(price)).Float64()
	return v
}

// FromUSD converts a USD value into the token's smallest unit at price, rounding down.
// A non-positive price yields zero.
func FromUSD(usd float64, t types.Token, price float64) *big.Int {
	if price <= 0 || usd <= 0 {
		return new(big.Int)
	}
	units := decimal.NewFromFloat(usd).Div(decimal.NewFromFloat(price))
	return units.Shift(t.Decimals()).Floor().BigInt()
}

// Build values every holding and computes percentages of the total. Holdings with a
// non-positive price are left out; a zero total leaves every percentage at zero.
func Build(t types.Token, holdings []Holding) Portfolio {
	p := Portfolio{Token: t, Chains: make(map[types.ChainID]ChainShare, len(holdings))}

	total := decimal.Zero
	values := make(map[types.ChainID]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		if h.Price <= 0 {
			continue
		}
		amount := h.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		v := ToUnits(amount, t).Mul(decimal.NewFromFloat(h.Price))
		values[h.ChainID] = v
		total = total.Add(v)
		usd, _ := v.Float64()
		p.Chains[h.ChainID] = ChainShare{ChainID: h.ChainID, Amount: new(big.Int).Set(amount), Price: h.Price, USD: usd}
	}
	p.TotalUSD, _ = total.Float64()

	if total.IsPositive() {
		hundred := decimal.NewFromInt(100)
		for id, v := range values {
			share := p.Chains[id]
			share.Percent, _ = v.Div(total).Mul(hundred).Float64()
			p.Chains[id] = share
		}
	}
	return p
}

// Percent returns a chain's share of the total, zero when the chain holds nothing
func (p Portfolio) Percent(chainID types.ChainID) float64 {
	return p.Chains[chainID].Percent
}

// ChainIDs lists the chains in the portfolio in ascending order
func (p Portfolio) ChainIDs() []types.ChainID {
	ids := make([]types.ChainID, 0, len(p.Chains))
	for id := range p.Chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeviationUSD is how far a chain sits from target percent of the total, in USD.
// Positive means the chain holds more than its target.
func (p Portfolio) DeviationUSD(chainID types.ChainID, target float64) float64 {
	want := p.TotalUSD * target / 100
	return p.Chains[chainID].USD - want
}
