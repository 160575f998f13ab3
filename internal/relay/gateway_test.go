package relay_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/relay"
	"github.com/koopa0/system-design/14-game-relay/internal/room"
	"github.com/koopa0/system-design/14-game-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	registry *room.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	opts := room.OptionsFromConfig(cfg)
	opts.BroadcastInterval = time.Hour

	log := logger.Discard()
	hub := relay.NewHub(log)
	registry := room.NewRegistry(opts, room.Deps{Sender: hub}, log)
	gateway := relay.NewGateway(hub, registry, cfg.Relay, log)
	handler := relay.NewHandler(registry, hub, gateway, log)

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		registry.Close()
	})
	return &testServer{Server: srv, registry: registry}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readType 讀到指定類型的訊息為止
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, name string) map[string]any {
	t.Helper()
	send(t, conn, map[string]any{
		"type":            "join-room",
		"roomId":          roomID,
		"participantInfo": map[string]any{"name": name},
	})
	return readType(t, conn, "room-joined")
}

// TestGateway_LeaderHandoff 房主斷線後，第二個連接收到 leader-assigned
func TestGateway_LeaderHandoff(t *testing.T) {
	srv := newTestServer(t)

	c1 := srv.dial(t)
	first := joinRoom(t, c1, "000042", "alice")
	assert.Equal(t, true, first["isLeader"])
	assert.Equal(t, "000042", first["roomId"])
	assert.NotEmpty(t, first["connectionId"])

	c2 := srv.dial(t)
	second := joinRoom(t, c2, "000042", "bob")
	assert.Equal(t, false, second["isLeader"])
	assert.Equal(t, float64(2), second["participantCount"])

	joined := readType(t, c1, "player-joined")
	assert.Equal(t, second["connectionId"], joined["connectionId"])

	require.NoError(t, c1.Close())

	assigned := readType(t, c2, "leader-assigned")
	assert.Equal(t, second["connectionId"], assigned["connectionId"])
	assert.Equal(t, float64(1), assigned["participantCount"])
}

// TestGateway_Relay 中繼訊息帶上 from 與 timestamp，不回送發送者
func TestGateway_Relay(t *testing.T) {
	srv := newTestServer(t)

	c1 := srv.dial(t)
	me := joinRoom(t, c1, "r1", "alice")
	c2 := srv.dial(t)
	joinRoom(t, c2, "r1", "bob")

	send(t, c1, map[string]any{"type": "chat-message", "payload": map[string]any{"text": "hi"}})

	msg := readType(t, c2, "chat-message")
	assert.Equal(t, me["connectionId"], msg["from"])
	assert.Equal(t, map[string]any{"text": "hi"}, msg["payload"])
	assert.NotZero(t, msg["timestamp"])

	// 發送者收到的下一則是自己的 pong，而不是自己的聊天訊息
	send(t, c1, map[string]any{"type": "ping"})
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, c1.ReadJSON(&m))
		require.NotEqual(t, "chat-message", m["type"])
		if m["type"] == "pong" {
			break
		}
	}
}

// TestGateway_MalformedKeepsConnection 格式錯誤的訊息被丟棄，連接保持
func TestGateway_MalformedKeepsConnection(t *testing.T) {
	srv := newTestServer(t)
	c := srv.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, c, map[string]any{"type": "unknown-type"})
	send(t, c, map[string]any{"type": "ping"})

	pong := readType(t, c, "pong")
	assert.NotZero(t, pong["timestamp"])
}

// TestGateway_RelayBeforeJoin 未加入房間就中繼 → error
func TestGateway_RelayBeforeJoin(t *testing.T) {
	srv := newTestServer(t)
	c := srv.dial(t)

	send(t, c, map[string]any{"type": "game-state", "payload": map[string]any{}})
	reply := readType(t, c, "error")
	assert.Equal(t, "NOT_FOUND", reply["code"])

	joinRoom(t, c, "r1", "alice")
	send(t, c, map[string]any{"type": "join-room", "roomId": "r2"})
	reply = readType(t, c, "error")
	assert.Equal(t, "ALREADY_EXISTS", reply["code"])
}

// TestGateway_MassPool 沒有指定房間的大規模加入從房間池分配
func TestGateway_MassPool(t *testing.T) {
	srv := newTestServer(t)
	c := srv.dial(t)

	send(t, c, map[string]any{"type": "join-room", "mode": "mass"})
	joined := readType(t, c, "room-joined")
	assert.Regexp(t, `^\d{6}$`, joined["roomId"])
	assert.Equal(t, float64(0), joined["slot"])
	assert.Equal(t, "leader", joined["role"])
}

// TestHandler_Health 健康檢查回報房間數與連接數
func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t)

	c1 := srv.dial(t)
	joinRoom(t, c1, "r1", "alice")
	c2 := srv.dial(t)
	joinRoom(t, c2, "r1", "bob")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["roomCount"])
	assert.Equal(t, float64(2), body["totalConnections"])

	resp2, err := http.Get(srv.URL + "/rooms/missing")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

// TestGateway_DisconnectTearsDownRoom 最後一個連接斷線後房間銷毀
func TestGateway_DisconnectTearsDownRoom(t *testing.T) {
	srv := newTestServer(t)
	c := srv.dial(t)
	joinRoom(t, c, "solo", "alice")
	require.Equal(t, 1, srv.registry.Stats().RoomCount)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return srv.registry.Stats().RoomCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}
