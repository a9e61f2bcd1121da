package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix roots every subject the NATS notifier publishes to
const DefaultSubjectPrefix = "rebalance"

// publisher is satisfied by *nats.Conn
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes JSON updates to <prefix>.<kind>.<chainId>
type NATSNotifier struct {
	conn   publisher
	prefix string
	close  func()
}

// NewNATSNotifier connects to a NATS server
func NewNATSNotifier(url, prefix string, timeout time.Duration) (*NATSNotifier, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("rebalance-agent"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.WithError(err).Warn("NATS connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithField("url", nc.ConnectedUrl()).Info("NATS connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := newNATSNotifier(conn, prefix)
	n.close = conn.Close
	return n, nil
}

func newNATSNotifier(p publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: p, prefix: prefix}
}

// Close closes the underlying connection
func (n *NATSNotifier) Close() {
	if n.close != nil {
		n.close()
	}
}

func (n *NATSNotifier) PublishBalanceUpdate(ctx context.Context, u BalanceUpdate) error {
	return n.publish(u)
}

func (n *NATSNotifier) PublishPriceUpdate(ctx context.Context, u PriceUpdate) error {
	return n.publish(u)
}

func (n *NATSNotifier) PublishFillDecision(ctx context.Context, d FillDecision) error {
	return n.publish(d)
}

func (n *NATSNotifier) publish(e Event) error {
	data, err := json.Marshal(toMessage(e))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	subject := fmt.Sprintf("%s.%s.%s", n.prefix, e.Kind(), e.Chain().Label())
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
