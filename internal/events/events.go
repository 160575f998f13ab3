// Package events 發布房間生命週期事件
//
// 事件是通知性質（fire-and-forget）：發布失敗只記錄日誌，
// 不影響房間操作。訂閱者（NPC 編排服務、監控）自行決定如何使用。
package events

import (
	"sync"
	"time"
)

// Kind 事件類型，同時作為 NATS subject 的後綴
type Kind string

const (
	KindRoomCreated    Kind = "room.created"
	KindRoomClosed     Kind = "room.closed"
	KindRoomStarted    Kind = "room.started"
	KindLeaderAssigned Kind = "room.leader"
	KindEliminated     Kind = "room.eliminated"
	KindWinner         Kind = "room.winner"
)

// Event 房間事件
type Event struct {
	Kind         Kind           `json:"kind"`
	RoomID       string         `json:"roomId"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	At           time.Time      `json:"at"`
}

// Publisher 事件發布者
//
// Publish 不能阻塞：房間在持有鎖的情況下呼叫。
type Publisher interface {
	Publish(evt Event)
}

// Nop 不做任何事的發布者
type Nop struct{}

// Publish 實現 Publisher
func (Nop) Publish(Event) {}

// Memory 把事件存在記憶體（測試與除錯用）
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish 實現 Publisher
func (m *Memory) Publish(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

// Events 返回目前所有事件的副本
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds 依序返回事件類型
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Kind)
	}
	return out
}
