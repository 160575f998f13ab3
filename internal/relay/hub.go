// Package relay 實現 WebSocket 中繼閘道
//
// 系統設計問題：
//
//	如何在不解析遊戲內容的前提下，把一個連接的訊息即時送到同房間的其他連接？
//
// 核心挑戰：
//  1. 慢客戶端：一個卡住的接收者不能拖慢整個房間
//  2. 死連接：客戶端崩潰或網路中斷時服務器無從得知
//  3. 鎖順序：房間在持有自己的鎖時會呼叫 Send，閘道不能反過來鎖房間
//
// 設計方案：
//
//	✅ Hub 只管連接表與發送緩衝，不知道房間
//	✅ 每個連接一個 256 緩衝的發送 channel，滿了就丟（至多一次）
//	✅ Ping/Pong 心跳（54s/60s）
package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub 連接中心
//
// 連接表：map[connectionID]*Conn
//   - 房間廣播由 room.Session 遍歷參與者後逐一呼叫 Send
//   - 讀多寫少：每則中繼訊息都是讀鎖，只有連接建立/斷開才是寫鎖
type Hub struct {
	conns   map[string]*Conn
	mu      sync.RWMutex
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewHub 創建連接中心
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// Send 把訊息放進連接的發送緩衝（實現 room.Sender）
//
// 不阻塞：連接不存在或緩衝已滿時返回 false。
// 在讀鎖內發送，unregister 在寫鎖內關閉 channel，兩者不會交錯。
func (h *Hub) Send(connID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		h.dropped.Add(1)
		h.logger.Warn("連接緩衝區滿，丟棄訊息", "connection_id", connID)
		return false
	}
}

// register 註冊連接
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// unregister 取消註冊並關閉發送 channel
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if actual, ok := h.conns[c.ID]; ok && actual == c {
		delete(h.conns, c.ID)
	}
	c.closeSend()
}

// Count 目前的連接數
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped 因緩衝區滿而丟棄的訊息數
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close 關閉所有連接
//
// 先關閉 Send channel，writePump 送出 close frame 後關閉底層連接；
// readPump 隨之返回並觸發離開房間。
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	for _, c := range conns {
		c.closeSend()
	}
	h.mu.Unlock()

	h.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}
