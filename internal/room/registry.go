package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// Stats 註冊表統計
type Stats struct {
	RoomCount        int `json:"roomCount"`
	TotalConnections int `json:"totalConnections"`
	MassRooms        int `json:"massRooms"`
}

// Registry 房間註冊表
//
// 房間是一個池：大規模房間滿了就開新房間，而不是拒絕加入。
//
//  1. 原子的 find-or-create：查找與創建在同一個寫鎖內完成
//  2. 首次適配：依創建順序挑第一個還有空位的大規模房間
//  3. 清理：空房間立即移除；定期掃描補漏（只看人數，不看最後活動時間）
type Registry struct {
	rooms     map[string]*Session
	massOrder []string // 大規模房間的創建順序
	mu        sync.RWMutex

	opts   Options
	deps   Deps
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry 創建房間註冊表並啟動定期清理
func NewRegistry(opts Options, deps Deps, logger *slog.Logger) *Registry {
	r := &Registry{
		rooms:  make(map[string]*Session),
		opts:   opts,
		deps:   deps.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// Get 獲取房間
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rooms[id]
	return s, ok
}

// FindOrCreate 查找房間，不存在則創建
func (r *Registry) FindOrCreate(id string, mode Mode) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.rooms[id]; ok {
		return s
	}
	if mode == "" {
		mode = ModeDuel
	}
	return r.createLocked(id, mode)
}

// AvailableMassRoom 依創建順序返回第一個還有空位的大規模房間，沒有則新建
func (r *Registry) AvailableMassRoom() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.massOrder {
		if s, ok := r.rooms[id]; ok && s.hasFreeSlot() {
			return s
		}
	}

	return r.createLocked(r.newRoomCodeLocked(), ModeMass)
}

func (r *Registry) createLocked(id string, mode Mode) *Session {
	s := newSession(id, mode, r.opts, r.deps, r.logger)
	r.rooms[id] = s
	if mode == ModeMass {
		r.massOrder = append(r.massOrder, id)
	}

	r.deps.Publisher.Publish(events.Event{
		Kind:   events.KindRoomCreated,
		RoomID: id,
		Data:   map[string]any{"mode": mode},
		At:     time.Now(),
	})
	r.logger.Info("房間已創建", "room_id", id, "mode", mode)

	return s
}

// newRoomCodeLocked 產生未使用的 6 位數房間碼
func (r *Registry) newRoomCodeLocked() string {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			// crypto/rand 失敗時退回時間戳
			n = big.NewInt(time.Now().UnixNano() % 1_000_000)
		}
		code := fmt.Sprintf("%06d", n.Int64())
		if _, exists := r.rooms[code]; !exists {
			return code
		}
	}
}

// Join 加入房間
//
// roomID 為空且 mode 為 mass 時從房間池分配。
// 與房間銷毀競爭（ErrRoomClosed）或池中房間剛好滿了（ErrRoomFull）時重試，
// 直到 ctx 到期返回 ErrJoinTimeout，不會無限等待。
func (r *Registry) Join(ctx context.Context, roomID string, mode Mode, connID string, info protocol.ParticipantInfo) (*Session, JoinResult, error) {
	pooled := roomID == "" && mode == ModeMass
	if roomID == "" && !pooled {
		return nil, JoinResult{}, apperrors.New(apperrors.ErrCodeInvalidInput, "roomId is required")
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, JoinResult{}, apperrors.Wrap(err, apperrors.ErrCodeTimeout, apperrors.ErrJoinTimeout.Message)
		}

		var s *Session
		if pooled {
			s = r.AvailableMassRoom()
		} else {
			s = r.FindOrCreate(roomID, mode)
		}

		res, err := s.join(connID, info, pooled)
		switch {
		case err == nil:
			return s, res, nil
		case errors.Is(err, apperrors.ErrRoomClosed):
			r.remove(s)
			r.logger.Debug("房間正在銷毀，重試加入", "room_id", s.ID(), "attempt", attempt)
		case errors.Is(err, apperrors.ErrRoomFull):
			r.logger.Debug("房間已滿，重新分配", "room_id", s.ID(), "attempt", attempt)
		default:
			return nil, JoinResult{}, err
		}
	}
}

// Leave 離開房間；房間清空時立即銷毀
func (r *Registry) Leave(roomID, connID string) (LeaveResult, error) {
	s, ok := r.Get(roomID)
	if !ok {
		return LeaveResult{}, apperrors.ErrNotInRoom
	}

	res, err := s.Leave(connID)
	if err != nil {
		return res, err
	}

	if res.Empty {
		r.teardown(s)
	}
	return res, nil
}

// RemoveIfEmpty 房間沒有參與者時移除
func (r *Registry) RemoveIfEmpty(roomID string) bool {
	r.mu.Lock()
	s, ok := r.rooms[roomID]
	if !ok || !s.closeIfEmpty() {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(s)
	r.mu.Unlock()

	r.teardown(s)
	return true
}

// Sweep 移除所有空房間，返回移除數量
//
// 人數檢查與關閉由 closeIfEmpty 在房間鎖內一次完成，
// 掃描期間剛加入的連接不會被一起清掉。
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var empty []*Session
	for _, s := range r.rooms {
		switch {
		case s.closeIfEmpty():
			empty = append(empty, s)
		case s.IsClosed():
			// 已由 Leave 關閉、尚未移除：只清出表，通知由關閉者負責
			r.removeLocked(s)
		}
	}
	for _, s := range empty {
		r.removeLocked(s)
	}
	r.mu.Unlock()

	for _, s := range empty {
		r.teardown(s)
	}

	if len(empty) > 0 {
		r.logger.Info("清理空房間", "count", len(empty))
	}
	return len(empty)
}

// sweepLoop 定期清理
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// teardown 關閉房間並通知外部：停止 NPC 模擬、發布 room.closed
//
// 兩者都是非阻塞的，失敗不影響銷毀。
// 呼叫者必須是完成關閉的那一方（Leave、closeIfEmpty、shutdown 返回 true），
// 每個房間只通知一次。
func (r *Registry) teardown(s *Session) {
	r.remove(s)
	s.Close()

	if s.Mode() == ModeMass {
		r.deps.Provisioner.StopRoomAsync(s.ID())
	}
	r.deps.Publisher.Publish(events.Event{
		Kind:   events.KindRoomClosed,
		RoomID: s.ID(),
		At:     time.Now(),
	})
	r.logger.Info("房間已銷毀", "room_id", s.ID())
}

// remove 只移除同一個實例（同 ID 的新房間不受影響）
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
}

func (r *Registry) removeLocked(s *Session) {
	if cur, ok := r.rooms[s.ID()]; !ok || cur != s {
		return
	}
	delete(r.rooms, s.ID())
	if s.Mode() == ModeMass {
		for i, id := range r.massOrder {
			if id == s.ID() {
				r.massOrder = append(r.massOrder[:i], r.massOrder[i+1:]...)
				break
			}
		}
	}
}

// Stats 返回統計資訊
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{RoomCount: len(r.rooms), MassRooms: len(r.massOrder)}
	for _, s := range r.rooms {
		stats.TotalConnections += s.ParticipantCount()
	}
	return stats
}

// Snapshots 所有房間的快照
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.rooms))
	for _, s := range r.rooms {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close 停止清理並銷毀所有房間
//
// 之後的 Leave 返回 ErrNotInRoom 或 ErrRoomClosed。
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.rooms))
	for _, s := range r.rooms {
		sessions = append(sessions, s)
	}
	r.rooms = make(map[string]*Session)
	r.massOrder = nil
	r.mu.Unlock()

	// 仍有人的房間也走完整的銷毀流程，NPC 模擬不會在關機後殘留
	for _, s := range sessions {
		if s.shutdown() {
			r.teardown(s)
		} else {
			s.Close()
		}
	}

	r.logger.Info("房間註冊表已關閉", "rooms", len(sessions))
}
