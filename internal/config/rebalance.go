package config

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// TokenRebalanceConfig enables a token on one chain
type TokenRebalanceConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Priority int  `yaml:"priority" json:"priority"`
}

// ChainRebalanceConfig is the rebalance policy of one chain
type ChainRebalanceConfig struct {
	// Desired share of the aggregate USD value of each token, in percent
	TargetPercentage float64 `yaml:"target_percentage" json:"target_percentage"`
	// Percentage below which the chain asks for liquidity; 0 disables the trigger
	TriggerThreshold float64 `yaml:"trigger_threshold" json:"trigger_threshold"`
	// Lower is preferred as a source; 0 means never a source
	SourcePriority   int                                  `yaml:"source_priority" json:"source_priority"`
	CanBeDestination bool                                 `yaml:"can_be_destination" json:"can_be_destination"`
	Tokens           map[types.Token]TokenRebalanceConfig `yaml:"tokens" json:"tokens"`
}

// TokenEnabled reports whether t is rebalanced on this chain
func (c ChainRebalanceConfig) TokenEnabled(t types.Token) bool {
	return c.Tokens[t].Enabled
}

// GlobalRebalanceConfig holds thresholds shared by all chains
type GlobalRebalanceConfig struct {
	Enabled         bool                 `yaml:"enabled" json:"enabled"`
	MinRebalanceUSD float64              `yaml:"min_rebalance_usd" json:"min_rebalance_usd"`
	MaxRebalanceUSD float64              `yaml:"max_rebalance_usd" json:"max_rebalance_usd"`
	Cooldown        time.Duration        `yaml:"cooldown" json:"cooldown"`
	Tokens          map[types.Token]bool `yaml:"tokens" json:"tokens"`
	// Native balance in wei the wallet must hold before sending approvals
	MinGasBalanceWei string `yaml:"min_gas_balance_wei" json:"min_gas_balance_wei"`
}

// MinGasBalance parses MinGasBalanceWei
func (g GlobalRebalanceConfig) MinGasBalance() *big.Int {
	v, ok := new(big.Int).SetString(g.MinGasBalanceWei, 10)
	if !ok {
		return new(big.Int).Set(defaultMinGasBalance)
	}
	return v
}

// RebalanceConfig is the YAML document at REBALANCE_CONFIG
type RebalanceConfig struct {
	Global GlobalRebalanceConfig                  `yaml:"global" json:"global"`
	Chains map[types.ChainID]ChainRebalanceConfig `yaml:"chains" json:"chains"`
	// Optional overrides of the built-in network definitions
	Networks map[types.ChainID]NetworkOverride `yaml:"networks" json:"networks,omitempty"`
}

// 0.001 ETH
var defaultMinGasBalance = big.NewInt(1_000_000_000_000_000)

// percentTolerance bounds rounding in configured targets
const percentTolerance = 0.01

// DefaultRebalanceConfig spreads every token evenly over the built-in chains
func DefaultRebalanceConfig() RebalanceConfig {
	chains := types.DefaultChains()
	ids := make([]types.ChainID, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	target := 100 / float64(len(ids))
	cfg := RebalanceConfig{
		Global: GlobalRebalanceConfig{
			Enabled:          true,
			MinRebalanceUSD:  10,
			MaxRebalanceUSD:  10_000,
			Cooldown:         5 * time.Minute,
			Tokens:           map[types.Token]bool{types.TokenETH: true, types.TokenWETH: true, types.TokenUSDC: true},
			MinGasBalanceWei: defaultMinGasBalance.String(),
		},
		Chains: make(map[types.ChainID]ChainRebalanceConfig, len(ids)),
	}
	for i, id := range ids {
		tokens := make(map[types.Token]TokenRebalanceConfig, len(types.AllTokens))
		for p, t := range types.AllTokens {
			tokens[t] = TokenRebalanceConfig{Enabled: true, Priority: p + 1}
		}
		cfg.Chains[id] = ChainRebalanceConfig{
			TargetPercentage: target,
			TriggerThreshold: target / 2,
			SourcePriority:   i + 1,
			CanBeDestination: true,
			Tokens:           tokens,
		}
	}
	return cfg
}

// LoadRebalanceConfig reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func LoadRebalanceConfig(path string) (RebalanceConfig, error) {
	cfg := DefaultRebalanceConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RebalanceConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = ParseRebalanceConfig(data)
	if err != nil {
		return RebalanceConfig{}, err
	}
	logrus.Infof("Loaded rebalance configuration from %s", path)
	return cfg, nil
}

// ParseRebalanceConfig decodes and validates a YAML document over the defaults. A chains
// section replaces the default chain set rather than merging into it.
func ParseRebalanceConfig(data []byte) (RebalanceConfig, error) {
	cfg := DefaultRebalanceConfig()
	defaults := cfg.Chains
	cfg.Chains = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RebalanceConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = defaults
	}
	if err := cfg.Validate(); err != nil {
		return RebalanceConfig{}, err
	}
	return cfg, nil
}

// Validate checks percentages, thresholds and that targets sum to 100 for every enabled token
func (c RebalanceConfig) Validate() error {
	var errs []error
	g := c.Global
	if g.MinRebalanceUSD < 0 || g.MaxRebalanceUSD < 0 {
		errs = append(errs, errors.New("rebalance thresholds must not be negative"))
	}
	if g.MaxRebalanceUSD > 0 && g.MinRebalanceUSD > g.MaxRebalanceUSD {
		errs = append(errs, fmt.Errorf("min_rebalance_usd %.2f exceeds max_rebalance_usd %.2f", g.MinRebalanceUSD, g.MaxRebalanceUSD))
	}
	if g.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	if _, ok := new(big.Int).SetString(g.MinGasBalanceWei, 10); g.MinGasBalanceWei != "" && !ok {
		errs = append(errs, fmt.Errorf("invalid min_gas_balance_wei %q", g.MinGasBalanceWei))
	}

	for id, ch := range c.Chains {
		if !validPercent(ch.TargetPercentage) {
			errs = append(errs, fmt.Errorf("chain %d: target_percentage %.2f outside [0,100]", id, ch.TargetPercentage))
		}
		if !validPercent(ch.TriggerThreshold) {
			errs = append(errs, fmt.Errorf("chain %d: trigger_threshold %.2f outside [0,100]", id, ch.TriggerThreshold))
		}
		if ch.SourcePriority < 0 {
			errs = append(errs, fmt.Errorf("chain %d: source_priority must not be negative", id))
		}
		for t := range ch.Tokens {
			if !t.Valid() {
				errs = append(errs, fmt.Errorf("chain %d: unknown token %d", id, t))
			}
		}
	}

	for _, t := range types.AllTokens {
		if !g.Tokens[t] {
			continue
		}
		sum, chains := 0.0, 0
		for _, ch := range c.Chains {
			if ch.TokenEnabled(t) {
				sum += ch.TargetPercentage
				chains++
			}
		}
		if chains > 0 && math.Abs(sum-100) > percentTolerance {
			errs = append(errs, fmt.Errorf("token %s: targets sum to %.2f%%, want 100%%", t, sum))
		}
	}
	return errors.Join(errs...)
}

func validPercent(v float64) bool {
	return v >= 0 && v <= 100 && !math.IsNaN(v)
}

// NetworkOverride replaces parts of a built-in network definition
type NetworkOverride struct {
	Enabled     *bool           `yaml:"enabled" json:"enabled,omitempty"`
	RPCEndpoint string          `yaml:"rpc_endpoint" json:"rpc_endpoint,omitempty"`
	PriceID     string          `yaml:"price_id" json:"price_id,omitempty"`
	WETH        *common.Address `yaml:"weth" json:"weth,omitempty"`
	USDC        *common.Address `yaml:"usdc" json:"usdc,omitempty"`
	SpokePool   *common.Address `yaml:"spoke_pool" json:"spoke_pool,omitempty"`
	Compact     *common.Address `yaml:"compact" json:"compact,omitempty"`
}

// ChainConfigs merges the built-in network definitions with file overrides and RPC endpoints
// from the environment. Chains without rebalance configuration are still returned so that
// monitoring covers them.
func ChainConfigs(rc RebalanceConfig, env Config) map[types.ChainID]types.ChainConfig {
	chains := types.DefaultChains()
	for id, o := range rc.Networks {
		c, ok := chains[id]
		if !ok {
			c = types.ChainConfig{ChainID: id, Enabled: true}
		}
		if o.Enabled != nil {
			c.Enabled = *o.Enabled
		}
		if o.RPCEndpoint != "" {
			c.RPCEndpoint = o.RPCEndpoint
		}
		if o.PriceID != "" {
			c.PriceID = o.PriceID
		}
		if o.WETH != nil {
			c.WETH = *o.WETH
		}
		if o.USDC != nil {
			c.USDC = *o.USDC
		}
		if o.SpokePool != nil {
			c.SpokePool = *o.SpokePool
		}
		if o.Compact != nil {
			c.Compact = *o.Compact
		}
		chains[id] = c
	}
	for id, url := range env.RPCEndpoints {
		if c, ok := chains[id]; ok {
			c.RPCEndpoint = url
			chains[id] = c
		}
	}
	return chains
}
