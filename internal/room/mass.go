package room

import (
	"math/rand"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/physics"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
)

// 大規模模式：每個參與者對應一局獨立的 NPC 對戰
//
//	slot 0 ... slot 41，奇偶決定畫面左右欄（每側最多 21 局）
//	player1 = 人類（或代打 AI），player2 = NPC
//
// NPC 先拿到 WinScore → 該局淘汰；人類先拿到 WinScore → 隨機加速攻擊另一局並重開一局。
// 只剩一局存活時廣播最終 game-over。

type commandKind int

const (
	cmdAttack commandKind = iota + 1
	cmdInput
)

// command 由 OnMessage 排入、由模擬批次套用的外部觸發
type command struct {
	kind    commandKind
	slot    int // 發送者的 slot，-1 表示觀眾
	target  int // 攻擊目標，-1 表示隨機
	paddleY float64
	from    string
}

// subGame 一個 slot 上的對局
type subGame struct {
	slot   int
	connID string
	engine *physics.Engine
	left   *physics.AI
	right  *physics.AI
	human  bool // 收到過 player-input，paddle1 不再由 AI 控制
	alive  bool
	round  int
}

// SlotState game-state 快照中的一局
type SlotState struct {
	Slot         int           `json:"slot"`
	Column       string        `json:"column"`
	ConnectionID string        `json:"connectionId"`
	Alive        bool          `json:"alive"`
	Round        int           `json:"round"`
	State        physics.State `json:"state"`
}

// MassState 大規模房間的 game-state payload
type MassState struct {
	Alive int         `json:"alive"`
	Slots []SlotState `json:"slots"`
}

// GameOver game-over payload
type GameOver struct {
	Reason       string         `json:"reason"` // eliminated | winner
	Slot         int            `json:"slot"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Score        *physics.Score `json:"score,omitempty"`
}

const commandBuffer = 256

type massGame struct {
	opts        Options
	slots       []*subGame // nil 表示空位
	cmds        chan command
	rng         *rand.Rand
	started     bool
	startedWith int
	finished    bool
}

func newMassGame(opts Options) *massGame {
	seed := opts.Physics.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &massGame{
		opts:  opts,
		slots: make([]*subGame, opts.MassCapacity),
		cmds:  make(chan command, commandBuffer),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// column slot 在畫面上的欄位
func column(slot int) string {
	if slot%2 == 0 {
		return "left"
	}
	return "right"
}

// newSubGame 用獨立種子建立一局（房間種子固定時整個房間可重現）
func (m *massGame) newSubGame(slot int, connID string) (*subGame, error) {
	cfg := m.opts.Physics
	cfg.Seed = m.rng.Int63() | 1
	engine, err := physics.New(m.opts.CanvasWidth, m.opts.CanvasHeight, cfg)
	if err != nil {
		return nil, err
	}
	return &subGame{
		slot:   slot,
		connID: connID,
		engine: engine,
		left:   physics.NewAI(physics.SidePlayer1, m.opts.NPCSkill, m.rng.Int63()),
		right:  physics.NewAI(physics.SidePlayer2, m.opts.NPCSkill, m.rng.Int63()),
		alive:  true,
	}, nil
}

// assign 分配第一個空位，沒有空位返回 -1
func (m *massGame) assign(connID string) (int, error) {
	if m.finished {
		return -1, nil
	}
	for i, sg := range m.slots {
		if sg != nil {
			continue
		}
		game, err := m.newSubGame(i, connID)
		if err != nil {
			return -1, err
		}
		m.slots[i] = game
		return i, nil
	}
	return -1, nil
}

// release 玩家離開：釋放 slot，該局視為結束
func (m *massGame) release(slot int) {
	if slot >= 0 && slot < len(m.slots) {
		m.slots[slot] = nil
	}
}

func (m *massGame) occupied() int {
	n := 0
	for _, sg := range m.slots {
		if sg != nil {
			n++
		}
	}
	return n
}

func (m *massGame) freeSlots() int {
	return len(m.slots) - m.occupied()
}

func (m *massGame) aliveSlots() []*subGame {
	var alive []*subGame
	for _, sg := range m.slots {
		if sg != nil && sg.alive {
			alive = append(alive, sg)
		}
	}
	return alive
}

// enqueue 排入命令；佇列滿時丟棄（與連接的發送緩衝一樣，至多一次）
func (m *massGame) enqueue(c command) bool {
	select {
	case m.cmds <- c:
		return true
	default:
		return false
	}
}

// start 進入 RUNNING：啟動模擬迴圈
func (m *massGame) start(s *Session) {
	if m.started {
		return
	}
	m.started = true
	m.startedWith = m.occupied()

	s.wg.Add(1)
	go s.massLoop()
}

// massLoop 每個 BroadcastInterval 跑一批模擬
func (s *Session) massLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.RunBatch() {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// RunBatch 套用排隊的命令、推進每一局 TicksPerBatch 個 tick、廣播快照
//
// 返回 false 表示模擬已結束（房間關閉或產生最終勝者）。
func (s *Session) RunBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.mass == nil || !s.mass.started || s.mass.finished {
		return false
	}

	m := s.mass
	m.drain(s)

	for _, sg := range m.aliveSlots() {
		m.advance(s, sg)
	}

	snapshot := m.snapshot()
	if env, err := protocol.ServerEnvelope(protocol.TypeGameState, protocol.ServerID, snapshot, time.Now()); err == nil {
		s.broadcastLocked(protocol.Marshal(env), "")
	}

	m.checkWinnerLocked(s)
	return !m.finished
}

// drain 非阻塞地取出所有排隊命令
func (m *massGame) drain(s *Session) {
	for {
		select {
		case c := <-m.cmds:
			m.apply(s, c)
		default:
			return
		}
	}
}

func (m *massGame) apply(s *Session, c command) {
	switch c.kind {
	case cmdInput:
		if c.slot < 0 || c.slot >= len(m.slots) {
			return
		}
		sg := m.slots[c.slot]
		if sg == nil || sg.connID != c.from {
			return
		}
		sg.human = true
		sg.engine.SetPaddleTarget(physics.SidePlayer1, c.paddleY)

	case cmdAttack:
		// 發送者的子對局必須還在且存活；不能攻擊自己
		if c.slot < 0 || c.slot >= len(m.slots) {
			return
		}
		own := m.slots[c.slot]
		if own == nil || own.connID != c.from || !own.alive || c.target == c.slot {
			return
		}
		target := m.pickTarget(c.target, c.slot)
		if target == nil {
			return
		}
		target.engine.ApplySpeedAttack(m.opts.AttackMultiplier, physics.UntilScore)
		s.logger.Debug("加速攻擊",
			"from", c.from,
			"target_slot", target.slot,
			"multiplier", m.opts.AttackMultiplier)
	}
}

// pickTarget 指定目標存活就用它，否則從其他存活的局中隨機挑一個
//
// exclude 永遠不會被選中，即使它被明確指定。
func (m *massGame) pickTarget(target, exclude int) *subGame {
	if target >= 0 && target < len(m.slots) && target != exclude {
		if sg := m.slots[target]; sg != nil && sg.alive {
			return sg
		}
	}

	var candidates []*subGame
	for _, sg := range m.aliveSlots() {
		if sg.slot != exclude {
			candidates = append(candidates, sg)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[m.rng.Intn(len(candidates))]
}

// advance 推進一局；淘汰或重開後這一批不再繼續
func (m *massGame) advance(s *Session, sg *subGame) {
	for i := 0; i < m.opts.TicksPerBatch; i++ {
		if !sg.human {
			sg.left.Drive(sg.engine)
		}
		sg.right.Drive(sg.engine)

		ev, scored := sg.engine.Tick()
		if !scored {
			continue
		}

		switch {
		case ev.Score.Player2 >= m.opts.WinScore:
			m.eliminate(s, sg, ev.Score)
			return
		case ev.Score.Player1 >= m.opts.WinScore:
			m.roundWon(s, sg)
			return
		}
	}
}

func (m *massGame) eliminate(s *Session, sg *subGame, score physics.Score) {
	sg.alive = false

	over := GameOver{Reason: "eliminated", Slot: sg.slot, ConnectionID: sg.connID, Score: &score}
	if env, err := protocol.ServerEnvelope(protocol.TypeGameOver, protocol.ServerID, over, time.Now()); err == nil {
		s.broadcastLocked(protocol.Marshal(env), "")
	}
	s.deps.Publisher.Publish(events.Event{
		Kind:         events.KindEliminated,
		RoomID:       s.id,
		ConnectionID: sg.connID,
		Data:         map[string]any{"slot": sg.slot, "player1": score.Player1, "player2": score.Player2},
		At:           time.Now(),
	})

	s.logger.Info("子對局淘汰", "slot", sg.slot, "connection_id", sg.connID)
}

// roundWon 人類方贏下一局：攻擊另一局並以新引擎重開
func (m *massGame) roundWon(s *Session, sg *subGame) {
	if target := m.pickTarget(-1, sg.slot); target != nil {
		target.engine.ApplySpeedAttack(m.opts.AttackMultiplier, physics.UntilScore)
	}

	fresh, err := m.newSubGame(sg.slot, sg.connID)
	if err != nil {
		s.logger.Error("重開子對局失敗", "slot", sg.slot, "error", err)
		return
	}
	fresh.human = sg.human
	fresh.round = sg.round + 1
	if sg.human {
		fresh.engine.SetPaddleTarget(physics.SidePlayer1, sg.engine.State().Paddle1.CenterY())
	}
	m.slots[sg.slot] = fresh
}

// checkWinnerLocked 開局時至少兩局，只剩一局（或全滅）時結束
func (m *massGame) checkWinnerLocked(s *Session) {
	if !m.started || m.finished || m.startedWith < 2 {
		return
	}
	alive := m.aliveSlots()
	if len(alive) > 1 {
		return
	}

	m.finished = true
	over := GameOver{Reason: "winner", Slot: -1}
	if len(alive) == 1 {
		over.Slot = alive[0].slot
		over.ConnectionID = alive[0].connID
	}
	if env, err := protocol.ServerEnvelope(protocol.TypeGameOver, protocol.ServerID, over, time.Now()); err == nil {
		s.broadcastLocked(protocol.Marshal(env), "")
	}
	s.deps.Publisher.Publish(events.Event{
		Kind:         events.KindWinner,
		RoomID:       s.id,
		ConnectionID: over.ConnectionID,
		Data:         map[string]any{"slot": over.Slot},
		At:           time.Now(),
	})

	s.logger.Info("產生勝者", "slot", over.Slot, "connection_id", over.ConnectionID)
}

func (m *massGame) snapshot() MassState {
	out := MassState{Slots: make([]SlotState, 0, len(m.slots))}
	for _, sg := range m.slots {
		if sg == nil {
			continue
		}
		if sg.alive {
			out.Alive++
		}
		out.Slots = append(out.Slots, SlotState{
			Slot:         sg.slot,
			Column:       column(sg.slot),
			ConnectionID: sg.connID,
			Alive:        sg.alive,
			Round:        sg.round,
			State:        sg.engine.State(),
		})
	}
	return out
}

// MassSnapshot 大規模房間的目前狀態；非大規模房間返回 false
func (s *Session) MassSnapshot() (MassState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mass == nil {
		return MassState{}, false
	}
	return s.mass.snapshot(), true
}
