// Package protocol 定義中繼服務的 WebSocket 訊息格式
//
// 所有訊息都是 JSON 物件，以 type 欄位區分。中繼只看 type 與路由欄位，
// payload 原樣轉發（json.RawMessage），不解析、不驗證。
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Type 訊息類型
type Type string

// 客戶端 → 服務器
const (
	TypeJoinRoom Type = "join-room"
	TypePing     Type = "ping"
)

// 中繼類型：原樣轉發給同房間的其他連接
const (
	TypeGameState       Type = "game-state"
	TypePlayerInput     Type = "player-input"
	TypeSharedState     Type = "shared-state"
	TypeChatMessage     Type = "chat-message"
	TypeNPCAttack       Type = "npc-attack"
	TypeLeaderCountdown Type = "leader-countdown"
	TypeGameStart       Type = "game-start"
	TypeGameOver        Type = "game-over"
)

// 服務器 → 客戶端
const (
	TypeRoomJoined     Type = "room-joined"
	TypePlayerJoined   Type = "player-joined"
	TypePlayerLeft     Type = "player-left"
	TypeLeaderAssigned Type = "leader-assigned"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// ServerID 服務器產生的訊息使用的 from
const ServerID = "server"

var relayTypes = map[Type]bool{
	TypeGameState:       true,
	TypePlayerInput:     true,
	TypeSharedState:     true,
	TypeChatMessage:     true,
	TypeNPCAttack:       true,
	TypeLeaderCountdown: true,
	TypeGameStart:       true,
	TypeGameOver:        true,
}

// IsRelay 是否為中繼類型
func IsRelay(t Type) bool {
	return relayTypes[t]
}

// EchoesToSender 是否也送回給發送者
//
// shared-state 回送給發送者，讓房主確認自己的權威狀態已經被中繼。
func EchoesToSender(t Type) bool {
	return t == TypeSharedState
}

// ParticipantInfo 玩家顯示資訊
type ParticipantInfo struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Inbound 客戶端送來的訊息
type Inbound struct {
	Type            Type             `json:"type"`
	RoomID          string           `json:"roomId,omitempty"`
	Mode            string           `json:"mode,omitempty"`
	ParticipantInfo *ParticipantInfo `json:"participantInfo,omitempty"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
}

// Decode 解析客戶端訊息
//
// 只檢查外層形狀：必須是 JSON 物件、type 為已知類型、join-room 帶 roomId 或 mode。
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch {
	case in.Type == TypeJoinRoom:
		if in.RoomID == "" && in.Mode == "" {
			return Inbound{}, fmt.Errorf("join-room requires roomId or mode")
		}
	case in.Type == TypePing:
	case IsRelay(in.Type):
		if len(in.Payload) > 0 && !json.Valid(in.Payload) {
			return Inbound{}, fmt.Errorf("invalid payload for %s", in.Type)
		}
	default:
		return Inbound{}, fmt.Errorf("unknown message type %q", in.Type)
	}

	return in, nil
}

// Envelope 中繼信封：{type, payload, from, timestamp}
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
}

// NewEnvelope 用原始 payload 建立信封
func NewEnvelope(t Type, from string, payload json.RawMessage, now time.Time) Envelope {
	return Envelope{
		Type:      t,
		Payload:   payload,
		From:      from,
		Timestamp: now.UnixMilli(),
	}
}

// ServerEnvelope 服務器產生的信封，payload 由 v 序列化
func ServerEnvelope(t Type, from string, v any, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return NewEnvelope(t, from, payload, now), nil
}

// RoomJoined 加入房間的回覆
type RoomJoined struct {
	Type             Type   `json:"type"`
	RoomID           string `json:"roomId"`
	ConnectionID     string `json:"connectionId"`
	Role             string `json:"role"`
	IsLeader         bool   `json:"isLeader"`
	ParticipantCount int    `json:"participantCount"`
	Countdown        *int   `json:"countdown,omitempty"`
	GameStarted      *bool  `json:"gameStarted,omitempty"`
	Slot             *int   `json:"slot,omitempty"`
}

// PlayerJoined 新玩家加入通知
type PlayerJoined struct {
	Type             Type            `json:"type"`
	ConnectionID     string          `json:"connectionId"`
	Info             ParticipantInfo `json:"participantInfo"`
	ParticipantCount int             `json:"participantCount"`
	Slot             *int            `json:"slot,omitempty"`
}

// PlayerLeft 玩家離開通知
type PlayerLeft struct {
	Type             Type   `json:"type"`
	ConnectionID     string `json:"connectionId"`
	ParticipantCount int    `json:"participantCount"`
}

// LeaderAssigned 房主轉移通知（只發給新房主）
//
// 帶上目前的倒數與開始狀態，讓新房主從已共享的值接手。
type LeaderAssigned struct {
	Type             Type   `json:"type"`
	ConnectionID     string `json:"connectionId"`
	ParticipantCount int    `json:"participantCount"`
	Countdown        *int   `json:"countdown,omitempty"`
	GameStarted      bool   `json:"gameStarted"`
}

// ErrorReply 錯誤回覆
type ErrorReply struct {
	Type    Type   `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Pong ping 的回覆
type Pong struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Marshal 序列化伺服器訊息，失敗時返回 nil
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// CountdownPayload leader-countdown 的 payload
type CountdownPayload struct {
	Countdown *int `json:"countdown"`
}

// AttackPayload npc-attack 的 payload
type AttackPayload struct {
	Target *int `json:"target,omitempty"` // 空表示隨機（排除自己）
}

// InputPayload player-input 的 payload（只有大規模模式會讀取 paddleY）
type InputPayload struct {
	PaddleY *float64 `json:"paddleY,omitempty"`
}

// DecodePayload 盡力解析 payload；格式不符時返回 false
func DecodePayload(raw json.RawMessage, v any) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
