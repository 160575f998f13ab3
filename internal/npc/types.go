// Package npc 實現 NPC 編排服務與它的 HTTP 客戶端
//
// 中繼服務在大規模房間開始時，請編排服務為空出的 slot 跑背景 NPC 對戰；
// 房間銷毀時請它停止該房間的所有模擬。兩個方向都是 fire-and-forget：
// 編排服務不可用時只記錄日誌，房間照常運作。
package npc

import (
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/physics"
)

// RandomTarget speed-boost 路徑中表示隨機挑選模擬
const RandomTarget = "random"

// CreateRequest POST /games
type CreateRequest struct {
	RoomID       string  `json:"roomId,omitempty"`
	Slot         int     `json:"slot"`
	CanvasWidth  float64 `json:"canvasWidth,omitempty"`
	CanvasHeight float64 `json:"canvasHeight,omitempty"`
	Skill        float64 `json:"skill,omitempty"`
	Seed         int64   `json:"seed,omitempty"`
}

// CreateResponse POST /games 的回覆
type CreateResponse struct {
	SimulationID string `json:"simulationId"`
}

// BoostRequest POST /games/{id}/speed-boost
type BoostRequest struct {
	Multiplier float64 `json:"multiplier"`
	DurationMs int64   `json:"durationMs,omitempty"`
	UntilScore bool    `json:"untilScore,omitempty"`
	Exclude    string  `json:"exclude,omitempty"` // id 為 random 時排除的模擬
}

// duration 轉成物理引擎的效果時長
func (r BoostRequest) duration() time.Duration {
	if r.UntilScore || r.DurationMs <= 0 {
		return physics.UntilScore
	}
	return time.Duration(r.DurationMs) * time.Millisecond
}

// BoostResponse speed-boost 的回覆（實際被加速的模擬）
type BoostResponse struct {
	SimulationID string `json:"simulationId"`
}

// StopRoomRequest POST /stop-room
type StopRoomRequest struct {
	RoomID string `json:"roomId"`
}

// StopRoomResponse POST /stop-room 的回覆
type StopRoomResponse struct {
	Deleted int `json:"deleted"`
}

// SimulationState GET /games/{id}
type SimulationState struct {
	ID        string        `json:"simulationId"`
	RoomID    string        `json:"roomId,omitempty"`
	Slot      int           `json:"slot"`
	CreatedAt time.Time     `json:"createdAt"`
	State     physics.State `json:"state"`
}
