package events

import (
	"time"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// balanceMessage is the JSON form of a BalanceUpdate. Amounts are decimal strings in the
// token's smallest unit.
type balanceMessage struct {
	Type      string             `json:"type"`
	ChainID   types.ChainID      `json:"chainId"`
	Balances  map[string]string  `json:"balances"`
	USD       map[string]float64 `json:"usd,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type priceMessage struct {
	Type      string        `json:"type"`
	ChainID   types.ChainID `json:"chainId"`
	Price     float64       `json:"price"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

type fillMessage struct {
	Type      string        `json:"type"`
	ChainID   types.ChainID `json:"chainId"`
	IntentID  string        `json:"intentId"`
	Fill      bool          `json:"fill"`
	Reason    string        `json:"reason,omitempty"`
	Token     string        `json:"token,omitempty"`
	Amount    string        `json:"amount,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func toMessage(e Event) interface{} {
	switch ev := e.(type) {
	case BalanceUpdate:
		m := balanceMessage{
			Type:      ev.Kind(),
			ChainID:   ev.Balance.ChainID,
			Balances:  make(map[string]string, len(types.AllTokens)),
			Timestamp: ev.Balance.LastUpdated.UTC(),
		}
		for _, t := range types.AllTokens {
			m.Balances[t.String()] = ev.Balance.Of(t).String()
		}
		if len(ev.USD) > 0 {
			m.USD = make(map[string]float64, len(ev.USD))
			for t, v := range ev.USD {
				m.USD[t.String()] = v
			}
		}
		return m
	case PriceUpdate:
		return priceMessage{
			Type:      ev.Kind(),
			ChainID:   ev.Sample.ChainID,
			Price:     ev.Sample.Price,
			Source:    ev.Sample.Source,
			Timestamp: ev.Sample.Timestamp.UTC(),
		}
	case FillDecision:
		m := fillMessage{
			Type:      ev.Kind(),
			ChainID:   ev.ChainID,
			IntentID:  ev.IntentID,
			Fill:      ev.Fill,
			Reason:    ev.Reason,
			Amount:    ev.Amount,
			Timestamp: ev.DecidedAt.UTC(),
		}
		if ev.Token.Valid() && ev.Amount != "" {
			m.Token = ev.Token.String()
		}
		return m
	}
	return nil
}
