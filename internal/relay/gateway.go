package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/protocol"
	"github.com/koopa0/system-design/14-game-relay/internal/room"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// Gateway WebSocket 閘道：升級連接、解析訊息、交給房間
type Gateway struct {
	hub      *Hub
	registry *room.Registry
	cfg      config.RelayConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway 創建閘道
func NewGateway(hub *Hub, registry *room.Registry, cfg config.RelayConfig, logger *slog.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin:     g.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return g
}

// checkOrigin 未設定 AllowedOrigins 時接受所有來源
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Conn 一個 WebSocket 連接
type Conn struct {
	ID      string
	ws      *websocket.Conn
	send    chan []byte
	gateway *Gateway

	mu     sync.Mutex
	roomID string

	closeOnce sync.Once
}

func (c *Conn) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Conn) setRoom(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

// closeSend 確保 channel 只關閉一次
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ServeWS 處理 WebSocket 連接
//
// 連接 ID 由服務器產生（UUID），加入房間要等第一個 join-room 訊息。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Conn{
		ID:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, g.cfg.SendBuffer),
		gateway: g,
	}

	g.hub.register(c)

	go c.writePump()
	go c.readPump()

	g.logger.Info("WebSocket 連接建立", "connection_id", c.ID, "remote", r.RemoteAddr)
}

// readPump 讀取客戶端訊息
//
// 心跳（讀取端）：PongWait 內沒有收到任何訊息（包括 Pong）就關閉連接。
// 斷線等同離開房間。
func (c *Conn) readPump() {
	g := c.gateway
	defer func() {
		g.leave(c)
		g.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait)); err != nil {
		g.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait)); err != nil {
			g.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				g.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			g.handleMessage(c, message)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 心跳（發送端）：每 PingInterval 發送一次 Ping（預設 54 秒，比 60 秒讀取期限早 6 秒）。
func (c *Conn) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait)); err != nil {
				g.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試送出 close frame
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 順便送出已排隊的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					g.logger.Debug("發送訊息失敗", "connection_id", c.ID, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait)); err != nil {
				g.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 分派客戶端訊息
//
// 格式錯誤的訊息記錄後丟棄，連接保持。
func (g *Gateway) handleMessage(c *Conn, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		g.logger.Warn("丟棄格式錯誤的訊息",
			"connection_id", c.ID,
			"error", err)
		return
	}

	switch in.Type {
	case protocol.TypeJoinRoom:
		g.join(c, in)
	case protocol.TypePing:
		g.reply(c, protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	default:
		g.relay(c, in)
	}
}

// join 處理 join-room
//
// 一個連接只能在一個房間；加入受 JoinTimeout 限制，不會無限等待。
func (g *Gateway) join(c *Conn, in protocol.Inbound) {
	if current := c.room(); current != "" {
		g.replyError(c, apperrors.ErrAlreadyJoined.WithDetails(current))
		return
	}

	mode := room.Mode(in.Mode)
	switch mode {
	case "", room.ModeDuel, room.ModeMass:
	default:
		g.replyError(c, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown room mode"))
		return
	}

	info := protocol.ParticipantInfo{}
	if in.ParticipantInfo != nil {
		info = *in.ParticipantInfo
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.JoinTimeout)
	defer cancel()

	s, res, err := g.registry.Join(ctx, in.RoomID, mode, c.ID, info)
	if err != nil {
		g.logger.Warn("加入房間失敗",
			"connection_id", c.ID,
			"room_id", in.RoomID,
			"error", err)
		g.replyError(c, err)
		return
	}

	// room-joined 已由房間在加入時送出
	c.setRoom(s.ID())
	g.logger.Debug("連接加入房間",
		"connection_id", c.ID,
		"room_id", s.ID(),
		"role", res.Role,
		"slot", res.Slot)
}

// relay 把中繼訊息交給房間
func (g *Gateway) relay(c *Conn, in protocol.Inbound) {
	roomID := c.room()
	if roomID == "" {
		g.replyError(c, apperrors.ErrNotInRoom)
		return
	}

	s, ok := g.registry.Get(roomID)
	if !ok {
		c.setRoom("")
		g.replyError(c, apperrors.ErrRoomClosed)
		return
	}

	if _, err := s.OnMessage(c.ID, in); err != nil {
		g.replyError(c, err)
	}
}

// leave 斷線時離開房間
func (g *Gateway) leave(c *Conn) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	c.setRoom("")

	res, err := g.registry.Leave(roomID, c.ID)
	if err != nil {
		// 關機時房間可能已被註冊表銷毀
		if !errors.Is(err, apperrors.ErrNotInRoom) && !errors.Is(err, apperrors.ErrRoomClosed) {
			g.logger.Warn("離開房間失敗", "connection_id", c.ID, "room_id", roomID, "error", err)
		}
		return
	}

	g.logger.Info("連接離開房間",
		"connection_id", c.ID,
		"room_id", roomID,
		"remaining", res.Remaining,
		"promoted", res.Promoted)
}

func (g *Gateway) reply(c *Conn, v any) {
	if data := protocol.Marshal(v); data != nil {
		g.hub.Send(c.ID, data)
	}
}

// replyError 把錯誤轉成 error 訊息回給客戶端
func (g *Gateway) replyError(c *Conn, err error) {
	reply := protocol.ErrorReply{Type: protocol.TypeError, Code: apperrors.ErrCodeInternal, Message: err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		reply.Code = appErr.Code
		reply.Message = appErr.Message
	}
	g.reply(c, reply)
}
