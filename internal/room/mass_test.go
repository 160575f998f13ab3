package room

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/physics"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink 記錄每個連接收到的訊息
type sink struct {
	mu   sync.Mutex
	msgs map[string][]json.RawMessage
}

func (k *sink) Send(connID string, data []byte) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.msgs == nil {
		k.msgs = make(map[string][]json.RawMessage)
	}
	k.msgs[connID] = append(k.msgs[connID], append([]byte(nil), data...))
	return true
}

// ofType 返回某連接收到的某類型訊息（已解碼）
func (k *sink) ofType(connID string, t protocol.Type) []map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []map[string]any
	for _, raw := range k.msgs[connID] {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == string(t) {
			out = append(out, m)
		}
	}
	return out
}

type provisionCall struct {
	roomID string
	count  int
}

type fakeProvisioner struct {
	mu        sync.Mutex
	provision []provisionCall
	stopped   []string
}

func (f *fakeProvisioner) ProvisionAsync(roomID string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provision = append(f.provision, provisionCall{roomID, count})
}

func (f *fakeProvisioner) StopRoomAsync(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, roomID)
}

func massOptions() Options {
	opts := DefaultOptions()
	opts.BroadcastInterval = time.Hour // 測試手動呼叫 RunBatch
	opts.TicksPerBatch = 1
	opts.WinScore = 1000
	opts.Physics.Seed = 42
	return opts
}

func newMassSession(t *testing.T, opts Options, players int) (*Session, *sink, *fakeProvisioner, *events.Memory) {
	t.Helper()
	out := &sink{}
	prov := &fakeProvisioner{}
	pub := &events.Memory{}
	deps := Deps{Sender: out, Provisioner: prov, Publisher: pub}.withDefaults()
	s := newSession("mass-1", ModeMass, opts, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Close)

	for i := 0; i < players; i++ {
		_, err := s.Join(fmt.Sprintf("c%d", i), protocol.ParticipantInfo{Name: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}
	return s, out, prov, pub
}

func startGame(t *testing.T, s *Session) {
	t.Helper()
	_, err := s.OnMessage(s.LeaderID(), protocol.Inbound{Type: protocol.TypeGameStart, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Equal(t, PhaseRunning, s.Snapshot().Phase)
}

func slotEngine(s *Session, slot int) physics.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mass.slots[slot].engine.State()
}

// TestMass_FortyTwoSlots 42 人分配到 42 局，左右各 21 局；第 43 人成為觀眾
func TestMass_FortyTwoSlots(t *testing.T) {
	s, _, _, _ := newMassSession(t, massOptions(), 42)

	columns := map[string]int{}
	state, ok := s.MassSnapshot()
	require.True(t, ok)
	require.Len(t, state.Slots, 42)
	for _, slot := range state.Slots {
		columns[slot.Column]++
	}
	assert.Equal(t, map[string]int{"left": 21, "right": 21}, columns)

	res, err := s.Join("extra", protocol.ParticipantInfo{Name: "extra"})
	require.NoError(t, err)
	assert.Equal(t, RoleSpectator, res.Role)
	assert.Equal(t, -1, res.Slot)
	assert.Nil(t, res.Reply("extra").Slot)
}

// TestMass_AttackClearsOnlyOnScore 對第 5 局施加攻擊，效果持續到該局下一次得分
func TestMass_AttackClearsOnlyOnScore(t *testing.T) {
	s, _, _, _ := newMassSession(t, massOptions(), 42)
	startGame(t, s)

	target := 5
	_, err := s.OnMessage("c0", protocol.Inbound{
		Type:    protocol.TypeNPCAttack,
		Payload: json.RawMessage(fmt.Sprintf(`{"target":%d}`, target)),
	})
	require.NoError(t, err)

	require.True(t, s.RunBatch())
	before := slotEngine(s, target)
	require.True(t, before.Attack.Active)
	require.True(t, before.Attack.UntilScore)

	scored := false
	for i := 0; i < 20000 && !scored; i++ {
		require.True(t, s.RunBatch())
		st := slotEngine(s, target)
		if st.Score != before.Score {
			scored = true
			assert.False(t, st.Attack.Active, "effect clears on the sub-game's score event")
			break
		}
		// 虛擬時間遠超過任何計時效果，仍然有效
		require.True(t, st.Attack.Active, "batch %d", i)
	}
	require.True(t, scored, "sub-game 5 should eventually score")
}

// TestMass_ProvisionFreeSlots 開始時為空位請求 NPC 模擬
func TestMass_ProvisionFreeSlots(t *testing.T) {
	s, out, prov, pub := newMassSession(t, massOptions(), 2)
	startGame(t, s)

	prov.mu.Lock()
	assert.Equal(t, []provisionCall{{"mass-1", 40}}, prov.provision)
	prov.mu.Unlock()

	assert.Contains(t, pub.Kinds(), events.KindRoomStarted)

	require.True(t, s.RunBatch())
	states := out.ofType("c1", protocol.TypeGameState)
	require.Len(t, states, 1)
	assert.Equal(t, protocol.ServerID, states[0]["from"])
}

// TestMass_PlayerInputDrivesPaddle player-input 接管 paddle1
func TestMass_PlayerInputDrivesPaddle(t *testing.T) {
	opts := massOptions()
	opts.TicksPerBatch = 100
	s, _, _, _ := newMassSession(t, opts, 2)
	startGame(t, s)

	_, err := s.OnMessage("c1", protocol.Inbound{
		Type:    protocol.TypePlayerInput,
		Payload: json.RawMessage(`{"paddleY":0}`),
	})
	require.NoError(t, err)
	require.True(t, s.RunBatch())

	st := slotEngine(s, 1)
	assert.Equal(t, 0.0, st.Paddle1.Y)

	s.mu.Lock()
	assert.True(t, s.mass.slots[1].human)
	assert.False(t, s.mass.slots[0].human)
	s.mu.Unlock()
}

// TestMass_EliminationAndWinner 淘汰到只剩一局時產生勝者
func TestMass_EliminationAndWinner(t *testing.T) {
	opts := massOptions()
	opts.MassCapacity = 3
	opts.WinScore = 1
	opts.TicksPerBatch = 100
	s, out, _, pub := newMassSession(t, opts, 3)
	startGame(t, s)

	finished := false
	for i := 0; i < 10000; i++ {
		if !s.RunBatch() {
			finished = true
			break
		}
	}
	require.True(t, finished)

	overs := out.ofType("c0", protocol.TypeGameOver)
	require.NotEmpty(t, overs)
	final := overs[len(overs)-1]["payload"].(map[string]any)
	assert.Equal(t, "winner", final["reason"])

	eliminated := 0
	for _, k := range pub.Kinds() {
		if k == events.KindEliminated {
			eliminated++
		}
	}
	assert.GreaterOrEqual(t, eliminated, 2)
	assert.Contains(t, pub.Kinds(), events.KindWinner)

	// 結束後不再接受新的 slot
	assert.False(t, s.hasFreeSlot())
}

// TestMass_LeaveLeavesWinner 兩人開局、一人離開，剩下的人獲勝
func TestMass_LeaveLeavesWinner(t *testing.T) {
	s, out, _, pub := newMassSession(t, massOptions(), 2)
	startGame(t, s)

	_, err := s.Leave("c0")
	require.NoError(t, err)

	overs := out.ofType("c1", protocol.TypeGameOver)
	require.Len(t, overs, 1)
	payload := overs[0]["payload"].(map[string]any)
	assert.Equal(t, "c1", payload["connectionId"])
	assert.Contains(t, pub.Kinds(), events.KindWinner)
	assert.False(t, s.RunBatch())
}

// TestMass_RoundWonRestartsAndAttacks 人類方先到分數：攻擊另一局並重開
func TestMass_RoundWonRestartsAndAttacks(t *testing.T) {
	s, _, _, _ := newMassSession(t, massOptions(), 2)
	startGame(t, s)

	s.mu.Lock()
	won := s.mass.slots[0]
	s.mass.roundWon(s, won)
	fresh := s.mass.slots[0]
	other := s.mass.slots[1].engine.State()
	s.mu.Unlock()

	assert.NotSame(t, won, fresh)
	assert.Equal(t, 1, fresh.round)
	assert.Zero(t, fresh.engine.State().Score)
	assert.True(t, other.Attack.Active)
}

// TestMass_AttackRequiresLiveOwnSlot 觀眾、已淘汰的局與攻擊自己都不生效
func TestMass_AttackRequiresLiveOwnSlot(t *testing.T) {
	opts := massOptions()
	opts.MassCapacity = 3
	s, _, _, _ := newMassSession(t, opts, 4) // c3 是觀眾
	startGame(t, s)

	attack := func(from string, target int) {
		t.Helper()
		_, err := s.OnMessage(from, protocol.Inbound{
			Type:    protocol.TypeNPCAttack,
			Payload: json.RawMessage(fmt.Sprintf(`{"target":%d}`, target)),
		})
		require.NoError(t, err)
		require.True(t, s.RunBatch())
	}

	attack("c3", 1)
	assert.False(t, slotEngine(s, 1).Attack.Active, "spectator attack")

	attack("c0", 0)
	assert.False(t, slotEngine(s, 0).Attack.Active, "self attack")
	for slot := 1; slot < 3; slot++ {
		assert.False(t, slotEngine(s, slot).Attack.Active, "self attack must not fall back to a random target")
	}

	s.mu.Lock()
	s.mass.slots[0].alive = false
	s.mu.Unlock()
	attack("c0", 1)
	assert.False(t, slotEngine(s, 1).Attack.Active, "eliminated slot attack")

	attack("c2", 1)
	assert.True(t, slotEngine(s, 1).Attack.Active)
}
