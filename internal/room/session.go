package room

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// 系統設計問題：
//   一個房間內誰負責倒數與「遊戲開始」？房主斷線時如何不中斷？
//
// 核心挑戰：
//   1. 權威唯一：任何時刻只有一個房主
//   2. 無縫交接：新房主必須拿到已共享的倒數值，客戶端看不出斷層
//   3. 晚加入：新連接直接拿到房間「現在」的階段，而不是重播歷史
//   4. 單一寫者：參與者、房主、倒數、物理引擎只在房間鎖內修改
//
// 設計方案：
//   ✅ 加入序號（seq）：房主離開時選序號最小的玩家，確定且唯一
//   ✅ 房間級 Mutex：房間是互斥單位，兩個房間互不競爭
//   ✅ 在鎖內轉發：同一發送者的訊息依序進入每個接收者的 FIFO 緩衝

// Mode 房間模式
type Mode string

const (
	ModeDuel Mode = "duel" // 1v1，無伺服器端模擬
	ModeMass Mode = "mass" // 最多 42 人，每人對應一局 NPC 對戰
)

// Role 玩家角色
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleSpectator Role = "spectator"
)

// Phase 房間階段
//
// 有限狀態機：
//
//	EMPTY → FORMING → COUNTINGDOWN → RUNNING → (玩家離開) → EMPTY（銷毀）
//
// 狀態轉換規則：
//   - EMPTY → FORMING：第一個玩家加入，成為房主
//   - FORMING → COUNTINGDOWN：房主送出倒數，或寬限期後自動開始
//   - COUNTINGDOWN → RUNNING：倒數歸零或房主送出 game-start
//   - 任何狀態 → EMPTY：最後一個玩家離開
type Phase string

const (
	PhaseEmpty        Phase = "empty"
	PhaseForming      Phase = "forming"
	PhaseCountingDown Phase = "countingdown"
	PhaseRunning      Phase = "running"
)

// Sender 把序列化好的訊息送給某個連接
//
// 必須是非阻塞的：房間在持有鎖的情況下呼叫。返回 false 表示丟棄。
type Sender interface {
	Send(connID string, data []byte) bool
}

// Provisioner 外部模擬資源（NPC 編排服務）
//
// 兩個方法都必須立即返回，實際的 HTTP 呼叫在背景進行。
type Provisioner interface {
	ProvisionAsync(roomID string, count int)
	StopRoomAsync(roomID string)
}

// Participant 房間內的連接
type Participant struct {
	ID       string                   `json:"connectionId"`
	Info     protocol.ParticipantInfo `json:"participantInfo"`
	JoinedAt time.Time                `json:"joinedAt"`
	Slot     int                      `json:"slot"` // 大規模模式的子對局編號，-1 表示無
	seq      uint64
}

// JoinResult 加入結果
type JoinResult struct {
	RoomID           string
	Role             Role
	ParticipantCount int
	Phase            Phase
	Countdown        int
	GameStarted      bool
	Slot             int
}

// Reply 轉成 join-room 的回覆
//
// 倒數中才帶 countdown，已開始才帶 gameStarted：晚加入的連接只拿到目前階段。
func (r JoinResult) Reply(connID string) protocol.RoomJoined {
	reply := protocol.RoomJoined{
		Type:             protocol.TypeRoomJoined,
		RoomID:           r.RoomID,
		ConnectionID:     connID,
		Role:             string(r.Role),
		IsLeader:         r.Role == RoleLeader,
		ParticipantCount: r.ParticipantCount,
	}
	switch r.Phase {
	case PhaseCountingDown:
		countdown := r.Countdown
		reply.Countdown = &countdown
	case PhaseRunning:
		started := true
		reply.GameStarted = &started
	}
	if r.Slot >= 0 {
		slot := r.Slot
		reply.Slot = &slot
	}
	return reply
}

// LeaveResult 離開結果
type LeaveResult struct {
	Remaining int
	Promoted  string // 新房主，空表示房主未變
	Empty     bool   // 房間已清空並關閉
}

// Snapshot 房間狀態快照（用於 /stats 與測試）
type Snapshot struct {
	ID           string        `json:"roomId"`
	Mode         Mode          `json:"mode"`
	Phase        Phase         `json:"phase"`
	LeaderID     string        `json:"leaderId"`
	Participants []Participant `json:"participants"`
	Countdown    int           `json:"countdown"`
	GameStarted  bool          `json:"gameStarted"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Session 一個房間的即時狀態
//
//  1. 並發控制（Mutex）：
//     加入、離開、轉發、模擬批次都會修改狀態，讀寫比例接近，
//     用單一 Mutex 而非 RWMutex，讓房間成為唯一的序列化點。
//
//  2. 鎖順序：Registry → Session → Sender（Hub）。
//     Sender 不能回頭呼叫 Session。
//
//  3. 外部觸發（攻擊、輸入）走命令佇列，由模擬批次在鎖內套用。
type Session struct {
	id     string
	mode   Mode
	opts   Options
	deps   Deps
	logger *slog.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	nextSeq      uint64
	leaderID     string
	phase        Phase
	countdown    int
	gameStarted  bool
	autoDriven   bool
	closed       bool
	createdAt    time.Time
	lastActive   time.Time
	autoTimer    *time.Timer
	mass         *massGame

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newSession(id string, mode Mode, opts Options, deps Deps, logger *slog.Logger) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		mode:         mode,
		opts:         opts,
		deps:         deps,
		logger:       logger.With("room_id", id),
		participants: make(map[string]*Participant),
		phase:        PhaseEmpty,
		createdAt:    now,
		lastActive:   now,
		stopCh:       make(chan struct{}),
	}
	if mode == ModeMass {
		s.mass = newMassGame(opts)
	}
	return s
}

// ID 房間 ID
func (s *Session) ID() string { return s.id }

// Mode 房間模式
func (s *Session) Mode() Mode { return s.mode }

// Join 加入房間
//
// 第一個加入者成為房主。大規模房間沒有空位時以觀眾身份加入。
func (s *Session) Join(connID string, info protocol.ParticipantInfo) (JoinResult, error) {
	return s.join(connID, info, false)
}

// join requireSlot 為 true 時，大規模房間沒有空位會返回 ErrRoomFull（給房間池重試用）
func (s *Session) join(connID string, info protocol.ParticipantInfo, requireSlot bool) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return JoinResult{}, apperrors.ErrRoomClosed
	}
	if _, exists := s.participants[connID]; exists {
		return JoinResult{}, apperrors.ErrAlreadyJoined
	}

	slot := -1
	if s.mass != nil {
		var err error
		if slot, err = s.mass.assign(connID); err != nil {
			s.logger.Error("建立子對局失敗", "connection_id", connID, "error", err)
			return JoinResult{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "create sub-game")
		}
		if slot < 0 && requireSlot {
			return JoinResult{}, apperrors.ErrRoomFull
		}
	}

	now := time.Now()
	s.nextSeq++
	p := &Participant{
		ID:       connID,
		Info:     info,
		JoinedAt: now,
		Slot:     slot,
		seq:      s.nextSeq,
	}
	s.participants[connID] = p
	s.lastActive = now

	role := RoleFollower
	if len(s.participants) == 1 {
		role = RoleLeader
		s.leaderID = connID
		s.phase = PhaseForming
		s.scheduleAutoStartLocked()
	} else if slot < 0 && s.mass != nil {
		role = RoleSpectator
	}

	res := JoinResult{
		RoomID:           s.id,
		Role:             role,
		ParticipantCount: len(s.participants),
		Phase:            s.phase,
		Countdown:        s.countdown,
		GameStarted:      s.gameStarted,
		Slot:             slot,
	}
	// 回覆在鎖內送出：加入者先收到 room-joined，之後才是其他人的轉發
	s.deps.Sender.Send(connID, protocol.Marshal(res.Reply(connID)))

	joined := protocol.PlayerJoined{
		Type:             protocol.TypePlayerJoined,
		ConnectionID:     connID,
		Info:             info,
		ParticipantCount: len(s.participants),
	}
	if slot >= 0 {
		joined.Slot = &slot
	}
	s.broadcastLocked(protocol.Marshal(joined), connID)

	s.logger.Info("玩家加入房間",
		"connection_id", connID,
		"role", role,
		"slot", slot,
		"participants", len(s.participants))

	return res, nil
}

// Leave 離開房間
//
// 房主離開時在鎖內選出序號最小的剩餘玩家，保證只有一個繼任者。
// 最後一個玩家離開時房間關閉，由 Registry 負責移除與通知外部資源。
func (s *Session) Leave(connID string) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 已關閉的房間由關閉者負責通知外部，這裡不能再觸發一次銷毀
	if s.closed {
		return LeaveResult{}, apperrors.ErrRoomClosed
	}
	p, exists := s.participants[connID]
	if !exists {
		return LeaveResult{}, apperrors.ErrNotInRoom
	}

	delete(s.participants, connID)
	if s.mass != nil && p.Slot >= 0 {
		s.mass.release(p.Slot)
	}
	s.lastActive = time.Now()

	res := LeaveResult{Remaining: len(s.participants)}
	if len(s.participants) == 0 {
		s.closeLocked()
		res.Empty = true
		s.logger.Info("最後一個玩家離開，房間關閉", "connection_id", connID)
		return res, nil
	}

	if connID == s.leaderID {
		successor := s.oldestLocked()
		s.leaderID = successor.ID
		res.Promoted = successor.ID

		assigned := protocol.LeaderAssigned{
			Type:             protocol.TypeLeaderAssigned,
			ConnectionID:     successor.ID,
			ParticipantCount: len(s.participants),
			GameStarted:      s.gameStarted,
		}
		if s.phase == PhaseCountingDown {
			countdown := s.countdown
			assigned.Countdown = &countdown
		}
		s.deps.Sender.Send(successor.ID, protocol.Marshal(assigned))
		s.deps.Publisher.Publish(events.Event{
			Kind:         events.KindLeaderAssigned,
			RoomID:       s.id,
			ConnectionID: successor.ID,
			At:           time.Now(),
		})

		s.logger.Info("房主轉移",
			"from", connID,
			"to", successor.ID)
	}

	s.broadcastLocked(protocol.Marshal(protocol.PlayerLeft{
		Type:             protocol.TypePlayerLeft,
		ConnectionID:     connID,
		ParticipantCount: len(s.participants),
	}), "")

	if s.mass != nil {
		s.mass.checkWinnerLocked(s)
	}

	return res, nil
}

// OnMessage 處理並轉發一則中繼訊息
//
// payload 原樣轉發給其他參與者（shared-state 也回送給自己）。
// 房間只對少數類型套用狀態：
//   - leader-countdown / game-start：只有房主送出時才改變房間階段；
//     其他人送出的照樣轉發，由客戶端依 from 判斷是否採信
//   - npc-attack / player-input：大規模模式下排入模擬命令佇列
//
// 返回實際送達的連接數。
func (s *Session) OnMessage(connID string, in protocol.Inbound) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, apperrors.ErrRoomClosed
	}
	p, exists := s.participants[connID]
	if !exists {
		return 0, apperrors.ErrNotInRoom
	}

	now := time.Now()
	s.lastActive = now
	isLeader := connID == s.leaderID

	env := protocol.NewEnvelope(in.Type, connID, in.Payload, now)
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	except := connID
	if protocol.EchoesToSender(in.Type) {
		except = ""
	}
	delivered := s.broadcastLocked(data, except)

	switch in.Type {
	case protocol.TypeLeaderCountdown:
		if isLeader {
			s.applyLeaderCountdownLocked(in.Payload)
		}
	case protocol.TypeGameStart:
		if isLeader && s.phase != PhaseRunning {
			s.startGameLocked(false)
		}
	case protocol.TypeNPCAttack:
		// 觀眾沒有子對局，不能發動攻擊
		if s.mass != nil && p.Slot >= 0 {
			target := -1
			var payload protocol.AttackPayload
			if protocol.DecodePayload(in.Payload, &payload) && payload.Target != nil {
				target = *payload.Target
			}
			s.mass.enqueue(command{kind: cmdAttack, slot: p.Slot, target: target, from: connID})
		}
	case protocol.TypePlayerInput:
		if s.mass != nil && p.Slot >= 0 {
			var payload protocol.InputPayload
			if protocol.DecodePayload(in.Payload, &payload) && payload.PaddleY != nil {
				s.mass.enqueue(command{kind: cmdInput, slot: p.Slot, paddleY: *payload.PaddleY, from: connID})
			}
		}
	}

	return delivered, nil
}

// applyLeaderCountdownLocked 房主自行倒數：接管自動倒數並記錄最新值
func (s *Session) applyLeaderCountdownLocked(raw json.RawMessage) {
	var payload protocol.CountdownPayload
	if !protocol.DecodePayload(raw, &payload) || payload.Countdown == nil {
		return
	}
	if s.phase == PhaseRunning {
		return
	}

	s.autoDriven = false
	if s.autoTimer != nil {
		s.autoTimer.Stop()
	}

	s.countdown = *payload.Countdown
	s.phase = PhaseCountingDown
	if s.countdown <= 0 {
		s.startGameLocked(false)
	}
}

// scheduleAutoStartLocked 寬限期後代替房主開始倒數
func (s *Session) scheduleAutoStartLocked() {
	if s.opts.AutoStartGrace <= 0 {
		return
	}
	s.autoTimer = time.AfterFunc(s.opts.AutoStartGrace, s.beginAutoCountdown)
}

// beginAutoCountdown 伺服器代替房主倒數，每秒一次
func (s *Session) beginAutoCountdown() {
	s.mu.Lock()
	if s.closed || s.phase != PhaseForming {
		s.mu.Unlock()
		return
	}

	s.autoDriven = true
	s.phase = PhaseCountingDown
	s.countdown = s.opts.CountdownSeconds
	if s.countdown <= 0 {
		s.startGameLocked(true)
		s.mu.Unlock()
		return
	}
	s.broadcastCountdownLocked()

	// 在鎖內 Add：Close 取得鎖之後才會 Wait
	s.wg.Add(1)
	go s.countdownLoop()
	s.mu.Unlock()
}

func (s *Session) countdownLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.countdownStep() {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// countdownStep 倒數減一；返回 false 表示倒數結束或已由房主接管
func (s *Session) countdownStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.autoDriven || s.phase != PhaseCountingDown {
		return false
	}

	s.countdown--
	if s.countdown <= 0 {
		s.startGameLocked(true)
		return false
	}
	s.broadcastCountdownLocked()
	return true
}

func (s *Session) broadcastCountdownLocked() {
	env, err := protocol.ServerEnvelope(protocol.TypeLeaderCountdown, s.leaderID,
		map[string]int{"countdown": s.countdown}, time.Now())
	if err != nil {
		s.logger.Error("序列化倒數失敗", "error", err)
		return
	}
	s.broadcastLocked(protocol.Marshal(env), "")
}

// startGameLocked COUNTINGDOWN/FORMING → RUNNING
//
// announce 為 true 時由伺服器代替房主廣播 game-start；
// 房主自己送出 game-start 時訊息已經被轉發，不再重複。
func (s *Session) startGameLocked(announce bool) {
	s.phase = PhaseRunning
	s.gameStarted = true
	s.countdown = 0
	s.autoDriven = false

	if announce {
		env, err := protocol.ServerEnvelope(protocol.TypeGameStart, s.leaderID,
			map[string]bool{"gameStarted": true}, time.Now())
		if err == nil {
			s.broadcastLocked(protocol.Marshal(env), "")
		}
	}

	s.deps.Publisher.Publish(events.Event{
		Kind:   events.KindRoomStarted,
		RoomID: s.id,
		Data:   map[string]any{"participants": len(s.participants), "mode": s.mode},
		At:     time.Now(),
	})

	if s.mass != nil {
		s.mass.start(s)
		if free := s.mass.freeSlots(); free > 0 {
			s.deps.Provisioner.ProvisionAsync(s.id, free)
		}
	}

	s.logger.Info("遊戲開始", "participants", len(s.participants), "mode", s.mode)
}

// oldestLocked 序號最小（最早加入）的參與者
func (s *Session) oldestLocked() *Participant {
	var oldest *Participant
	for _, p := range s.participants {
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	return oldest
}

// broadcastLocked 送給所有參與者（except 除外），返回送達數
//
// 接收者緩衝區滿時直接丟棄：至多一次，不重試。
func (s *Session) broadcastLocked(data []byte, except string) int {
	if data == nil {
		return 0
	}
	delivered := 0
	for id := range s.participants {
		if id == except {
			continue
		}
		if s.deps.Sender.Send(id, data) {
			delivered++
		}
	}
	return delivered
}

// closeLocked 關閉房間：停止倒數與模擬
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.phase = PhaseEmpty
	s.leaderID = ""
	s.gameStarted = false
	s.countdown = 0
	if s.autoTimer != nil {
		s.autoTimer.Stop()
	}
	close(s.stopCh)
}

// closeIfEmpty 沒有參與者時關閉房間
//
// 檢查與關閉在同一個鎖內：並發的 join 要嘛先進來（房間保留），
// 要嘛拿到 ErrRoomClosed 重試。只有這次呼叫完成關閉時返回 true。
func (s *Session) closeIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.participants) > 0 {
		return false
	}
	s.closeLocked()
	return true
}

// shutdown 不論人數都關閉房間；只有這次呼叫完成關閉時返回 true
func (s *Session) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closeLocked()
	return true
}

// Close 關閉房間並等待背景 goroutine 結束
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()

	s.wg.Wait()
}

// IsClosed 房間是否已關閉
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ParticipantCount 參與者數量
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// LeaderID 目前房主
func (s *Session) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// hasFreeSlot 大規模房間是否還能分配子對局
func (s *Session) hasFreeSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.mass != nil && !s.mass.finished && s.mass.freeSlots() > 0
}

// Snapshot 返回房間狀態
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}

	return Snapshot{
		ID:           s.id,
		Mode:         s.mode,
		Phase:        s.phase,
		LeaderID:     s.leaderID,
		Participants: participants,
		Countdown:    s.countdown,
		GameStarted:  s.gameStarted,
		CreatedAt:    s.createdAt,
	}
}
