package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/httpx"
	"github.com/koopa0/system-design/14-game-relay/internal/room"
)

// Handler HTTP 請求處理器
type Handler struct {
	registry *room.Registry
	hub      *Hub
	gateway  *Gateway
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *room.Registry, hub *Hub, gateway *Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		hub:      hub,
		gateway:  gateway,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	recoverer := httpx.Recoverer(h.logger)
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return httpx.Chain(handler, recoverer, httpx.Logger(h.logger, slog.LevelInfo))
	}

	// WebSocket 升級需要 http.Hijacker，不經過狀態碼記錄
	mux.HandleFunc("GET /ws", recoverer(h.gateway.ServeWS))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	mux.HandleFunc("GET /rooms/{room_id}", wrap(h.roomDetail))

	return mux
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	httpx.JSON(w, h.logger, map[string]any{
		"status":           "ok",
		"roomCount":        stats.RoomCount,
		"totalConnections": h.hub.Count(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, h.logger, map[string]any{
		"rooms":           h.registry.Stats(),
		"connections":     h.hub.Count(),
		"droppedMessages": h.hub.Dropped(),
		"time":            time.Now().Unix(),
	}, http.StatusOK)
}

// roomDetail 房間詳情（除錯用）
func (h *Handler) roomDetail(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("room_id"))
	if !ok {
		httpx.Error(w, h.logger, "房間不存在", http.StatusNotFound)
		return
	}

	resp := map[string]any{"room": s.Snapshot()}
	if mass, ok := s.MassSnapshot(); ok {
		resp["mass"] = mass
	}
	httpx.JSON(w, h.logger, resp, http.StatusOK)
}
