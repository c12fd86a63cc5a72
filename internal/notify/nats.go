package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSNotifier 以 core NATS 發布事件到 <prefix>.<event type>
//
// 生命週期事件只給儀表板與監控用，丟失可接受，
// 因此用 fire-and-forget 的 core NATS 而不是 JetStream。
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSNotifier 連接 NATS
func NewNATSNotifier(url, prefix string, logger *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("chat-collection-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return NewNATSNotifierWithConn(conn, prefix, logger), nil
}

// NewNATSNotifierWithConn 使用既有連線
func NewNATSNotifierWithConn(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "chat"
	}
	return &NATSNotifier{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Subject 事件對應的 subject
func (n *NATSNotifier) Subject(eventType string) string {
	return n.prefix + "." + eventType
}

// Publish 實現 Notifier
func (n *NATSNotifier) Publish(ctx context.Context, event RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := n.conn.Publish(n.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (n *NATSNotifier) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
