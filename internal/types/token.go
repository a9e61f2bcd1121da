package types

import (
	"fmt"
	"strings"
)

// Token is one of the assets the agent tracks on every chain
type Token uint8

const (
	TokenETH Token = iota
	TokenWETH
	TokenUSDC

	tokenCount
)

// PriceMode describes how a token is valued in USD
type PriceMode uint8

const (
	// PricedByNative tokens are worth one unit of the chain's native asset
	PricedByNative PriceMode = iota
	// PeggedUSD tokens are assumed to trade at exactly 1 USD
	PeggedUSD
)

type tokenInfo struct {
	symbol   string
	decimals int32
	mode     PriceMode
	native   bool
}

// tokenInfos is indexed by Token; adding a Token without an entry fails to compile
// because the array length is tokenCount.
var tokenInfos = [tokenCount]tokenInfo{
	TokenETH:  {symbol: "ETH", decimals: 18, mode: PricedByNative, native: true},
	TokenWETH: {symbol: "WETH", decimals: 18, mode: PricedByNative},
	TokenUSDC: {symbol: "USDC", decimals: 6, mode: PeggedUSD},
}

// AllTokens lists every tracked token in a stable order
var AllTokens = []Token{TokenETH, TokenWETH, TokenUSDC}

func (t Token) info() tokenInfo {
	if t >= tokenCount {
		return tokenInfo{symbol: fmt.Sprintf("Token(%d)", t)}
	}
	return tokenInfos[t]
}

func (t Token) String() string       { return t.info().symbol }
func (t Token) Decimals() int32      { return t.info().decimals }
func (t Token) PriceMode() PriceMode { return t.info().mode }
func (t Token) IsNative() bool       { return t.info().native }
func (t Token) Valid() bool          { return t < tokenCount }

// ParseToken resolves a symbol such as "usdc" to a Token
func ParseToken(s string) (Token, error) {
	for _, t := range AllTokens {
		if strings.EqualFold(t.String(), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown token %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t Token) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid token %d", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Token) UnmarshalText(b []byte) error {
	parsed, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
