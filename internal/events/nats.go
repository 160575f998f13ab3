package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher 透過 Core NATS 發布房間事件
//
// 為什麼不用 JetStream？
//   - 房間事件是即時通知，錯過了也能從下一個事件或 /health 補回狀態
//   - Core NATS 的 Publish 只寫入本地緩衝區，不等待確認，不會拖慢房間鎖
//
// Subject 格式：<prefix>.<kind>，例如 pong42.room.closed
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS 連接 NATS 並創建發布者
//
// 選項沿用消息隊列服務的設定：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("pong42-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連接中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連接", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return NewNATSPublisher(conn, prefix, logger), nil
}

// NewNATSPublisher 使用既有連接創建發布者
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Subject 事件對應的 subject
func (p *NATSPublisher) Subject(kind Kind) string {
	return Subject(p.prefix, kind)
}

// Subject 組合 subject
func Subject(prefix string, kind Kind) string {
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}

// Publish 實現 Publisher
func (p *NATSPublisher) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("序列化房間事件失敗", "kind", evt.Kind, "error", err)
		return
	}

	if err := p.conn.Publish(p.Subject(evt.Kind), data); err != nil {
		p.logger.Warn("發布房間事件失敗",
			"kind", evt.Kind,
			"room_id", evt.RoomID,
			"error", err)
	}
}

// Close 送出緩衝中的事件後關閉連接
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
