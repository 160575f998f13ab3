package npc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/koopa0/system-design/14-game-relay/internal/httpx"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// Handler 編排服務的 HTTP 介面
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return httpx.Chain(handler, httpx.Recoverer(h.logger), httpx.Logger(h.logger, slog.LevelDebug))
	}

	mux.HandleFunc("POST /games", wrap(h.create))
	mux.HandleFunc("GET /games/{id}", wrap(h.get))
	mux.HandleFunc("POST /games/{id}/speed-boost", wrap(h.speedBoost))
	mux.HandleFunc("DELETE /games/{id}", wrap(h.delete))
	mux.HandleFunc("POST /stop-room", wrap(h.stopRoom))

	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

// create 建立模擬
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, h.logger, "無效的請求格式", http.StatusBadRequest)
		return
	}

	id, err := h.service.Create(req)
	if err != nil {
		h.appError(w, err)
		return
	}

	httpx.JSON(w, h.logger, CreateResponse{SimulationID: id}, http.StatusCreated)
}

// get 模擬快照
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Get(r.PathValue("id"))
	if err != nil {
		h.appError(w, err)
		return
	}
	httpx.JSON(w, h.logger, state, http.StatusOK)
}

// speedBoost 加速攻擊
func (h *Handler) speedBoost(w http.ResponseWriter, r *http.Request) {
	var req BoostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, h.logger, "無效的請求格式", http.StatusBadRequest)
		return
	}

	target, err := h.service.SpeedBoost(r.PathValue("id"), req)
	if err != nil {
		h.appError(w, err)
		return
	}
	httpx.JSON(w, h.logger, BoostResponse{SimulationID: target}, http.StatusAccepted)
}

// delete 刪除模擬
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.PathValue("id")); err != nil {
		h.appError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopRoom 停止某房間的所有模擬
func (h *Handler) stopRoom(w http.ResponseWriter, r *http.Request) {
	var req StopRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		httpx.Error(w, h.logger, "roomId 為必填", http.StatusBadRequest)
		return
	}

	deleted := h.service.StopRoom(req.RoomID)
	httpx.JSON(w, h.logger, StopRoomResponse{Deleted: deleted}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, h.logger, map[string]any{
		"status":      "ok",
		"simulations": h.service.Count(),
	}, http.StatusOK)
}

// appError 依錯誤碼選擇 HTTP 狀態碼
func (h *Handler) appError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case apperrors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		httpx.JSON(w, h.logger, appErr, status)
		return
	}
	httpx.Error(w, h.logger, err.Error(), status)
}
