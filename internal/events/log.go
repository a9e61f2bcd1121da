package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes updates to the process log. It is the notifier of last resort when no
// transport is configured.
type LogNotifier struct{}

func (LogNotifier) PublishBalanceUpdate(ctx context.Context, u BalanceUpdate) error {
	fields := logrus.Fields{"chain_id": u.Balance.ChainID}
	for t, v := range u.USD {
		fields["usd_"+t.String()] = v
	}
	logrus.WithFields(fields).Debug("Balance update")
	return nil
}

func (LogNotifier) PublishPriceUpdate(ctx context.Context, u PriceUpdate) error {
	logrus.WithFields(logrus.Fields{
		"chain_id": u.Sample.ChainID,
		"price":    u.Sample.Price,
		"source":   u.Sample.Source,
	}).Debug("Price update")
	return nil
}

func (LogNotifier) PublishFillDecision(ctx context.Context, d FillDecision) error {
	logrus.WithFields(logrus.Fields{
		"chain_id":  d.ChainID,
		"intent_id": d.IntentID,
		"fill":      d.Fill,
		"reason":    d.Reason,
	}).Info("Fill decision")
	return nil
}
