package room_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
	"github.com/koopa0/system-design/14-game-relay/internal/room"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relay(t protocol.Type, payload string) protocol.Inbound {
	return protocol.Inbound{Type: t, Payload: json.RawMessage(payload)}
}

// TestSession_RelayFanout 中繼訊息送給其他人；shared-state 也回送給自己
func TestSession_RelayFanout(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "fan", room.ModeDuel, "c1")
	f.join(t, "fan", room.ModeDuel, "c2")
	f.join(t, "fan", room.ModeDuel, "c3")

	n, err := s.OnMessage("c1", relay(protocol.TypeChatMessage, `{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.out.find("c1", protocol.TypeChatMessage))

	chat := f.out.find("c2", protocol.TypeChatMessage)
	require.Len(t, chat, 1)
	assert.Equal(t, "c1", chat[0]["from"])
	assert.Equal(t, map[string]any{"text": "hi"}, chat[0]["payload"])
	assert.NotZero(t, chat[0]["timestamp"])

	n, err = s.OnMessage("c1", relay(protocol.TypeSharedState, `{"ball":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, f.out.find("c1", protocol.TypeSharedState), 1)

	_, err = s.OnMessage("stranger", relay(protocol.TypeChatMessage, `{}`))
	assert.ErrorIs(t, err, apperrors.ErrNotInRoom)
}

// TestSession_PerSenderOrder 同一發送者的訊息依序到達
func TestSession_PerSenderOrder(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "order", room.ModeDuel, "c1")
	f.join(t, "order", room.ModeDuel, "c2")

	for i := 0; i < 20; i++ {
		_, err := s.OnMessage("c1", relay(protocol.TypeGameState, `{"seq":`+jsonInt(i)+`}`))
		require.NoError(t, err)
	}

	states := f.out.find("c2", protocol.TypeGameState)
	require.Len(t, states, 20)
	for i, m := range states {
		assert.Equal(t, float64(i), m["payload"].(map[string]any)["seq"])
	}
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

// TestSession_LeaderTrustBoundary 跟隨者的倒數只轉發，不改變房間狀態
func TestSession_LeaderTrustBoundary(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "trust", room.ModeDuel, "leader")
	f.join(t, "trust", room.ModeDuel, "follower")

	n, err := s.OnMessage("follower", relay(protocol.TypeLeaderCountdown, `{"countdown":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, room.PhaseForming, s.Snapshot().Phase)

	_, err = s.OnMessage("follower", relay(protocol.TypeGameStart, `{}`))
	require.NoError(t, err)
	assert.False(t, s.Snapshot().GameStarted)

	_, err = s.OnMessage("leader", relay(protocol.TypeLeaderCountdown, `{"countdown":3}`))
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, room.PhaseCountingDown, snap.Phase)
	assert.Equal(t, 3, snap.Countdown)
}

// TestSession_LateJoinerSeesCurrentPhase 晚加入者拿到目前階段而不是歷史
func TestSession_LateJoinerSeesCurrentPhase(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "late", room.ModeDuel, "c1")

	_, err := s.OnMessage("c1", relay(protocol.TypeLeaderCountdown, `{"countdown":2}`))
	require.NoError(t, err)
	_, during := f.join(t, "late", room.ModeDuel, "c2")
	reply := during.Reply("c2")
	require.NotNil(t, reply.Countdown)
	assert.Equal(t, 2, *reply.Countdown)
	assert.Nil(t, reply.GameStarted)

	_, err = s.OnMessage("c1", relay(protocol.TypeLeaderCountdown, `{"countdown":0}`))
	require.NoError(t, err)
	assert.Equal(t, room.PhaseRunning, s.Snapshot().Phase)
	assert.Contains(t, f.events.Kinds(), events.KindRoomStarted)

	_, after := f.join(t, "late", room.ModeDuel, "c3")
	reply = after.Reply("c3")
	assert.Nil(t, reply.Countdown)
	require.NotNil(t, reply.GameStarted)
	assert.True(t, *reply.GameStarted)
	assert.Equal(t, 3, reply.ParticipantCount)
	assert.False(t, reply.IsLeader)
}

// TestSession_HandoffMidCountdown 倒數中房主離開，新房主從目前的值接手
func TestSession_HandoffMidCountdown(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "mid", room.ModeDuel, "c1")
	f.join(t, "mid", room.ModeDuel, "c2")
	f.join(t, "mid", room.ModeDuel, "c3")

	_, err := s.OnMessage("c1", relay(protocol.TypeLeaderCountdown, `{"countdown":2}`))
	require.NoError(t, err)

	res, err := f.registry.Leave("mid", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Promoted)

	assigned := f.out.find("c2", protocol.TypeLeaderAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, float64(2), assigned[0]["countdown"])
	assert.Equal(t, false, assigned[0]["gameStarted"])
	assert.Empty(t, f.out.find("c3", protocol.TypeLeaderAssigned), "only the successor is told")

	// 新房主的 game-start 生效
	_, err = s.OnMessage("c2", relay(protocol.TypeGameStart, `{}`))
	require.NoError(t, err)
	assert.True(t, s.Snapshot().GameStarted)
}

// TestSession_AutoCountdown 寬限期後伺服器代替房主倒數並開始
func TestSession_AutoCountdown(t *testing.T) {
	f := newFixture(t, func(o *room.Options) {
		o.AutoStartGrace = 50 * time.Millisecond
		o.CountdownSeconds = 1
	})
	s, _ := f.join(t, "auto", room.ModeDuel, "c1")
	f.join(t, "auto", room.ModeDuel, "c2")

	require.Eventually(t, func() bool {
		return s.Snapshot().GameStarted
	}, 3*time.Second, 20*time.Millisecond)

	countdowns := f.out.find("c2", protocol.TypeLeaderCountdown)
	require.NotEmpty(t, countdowns)
	assert.Equal(t, "c1", countdowns[0]["from"])
	assert.Equal(t, map[string]any{"countdown": float64(1)}, countdowns[0]["payload"])

	starts := f.out.find("c2", protocol.TypeGameStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "c1", starts[0]["from"])
}

// TestSession_LeaderCountdownCancelsAuto 房主自己倒數時取消自動倒數
func TestSession_LeaderCountdownCancelsAuto(t *testing.T) {
	f := newFixture(t, func(o *room.Options) {
		o.AutoStartGrace = 50 * time.Millisecond
		o.CountdownSeconds = 1
	})
	s, _ := f.join(t, "manual", room.ModeDuel, "c1")
	f.join(t, "manual", room.ModeDuel, "c2")

	_, err := s.OnMessage("c1", relay(protocol.TypeLeaderCountdown, `{"countdown":5}`))
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, room.PhaseCountingDown, snap.Phase)
	assert.Equal(t, 5, snap.Countdown)
	assert.Empty(t, f.out.find("c2", protocol.TypeGameStart))
}

// TestSession_DuplicateJoin 同一連接重複加入
func TestSession_DuplicateJoin(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "dup", room.ModeDuel, "c1")

	_, err := s.Join("c1", protocol.ParticipantInfo{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyJoined)
	assert.True(t, apperrors.IsAlreadyExists(err))
	assert.Equal(t, 1, s.ParticipantCount())
}

// TestSession_ClosedRejectsMessages 已關閉房間拒絕中繼
func TestSession_ClosedRejectsMessages(t *testing.T) {
	f := newFixture(t)
	s, _ := f.join(t, "gone", room.ModeDuel, "c1")
	before := f.out.count("c1")

	s.Close()
	_, err := s.OnMessage("c1", relay(protocol.TypeChatMessage, `{}`))
	assert.ErrorIs(t, err, apperrors.ErrRoomClosed)
	assert.Equal(t, before, f.out.count("c1"))
}
