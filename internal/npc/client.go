package npc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// Client 編排服務的 HTTP 客戶端
//
// 每個呼叫都有超時；Async 方法在背景 goroutine 執行，只記錄失敗，
// 實現 room.Provisioner。
//
// 同一房間的建立與停止有先後：StopRoomAsync 先讓進行中的建立停下、
// 等它返回，才送出 stop-room，已建立的模擬都會被停止。
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger

	defaults CreateRequest // ProvisionAsync 建立模擬時的畫布與難度
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*provisioning // roomID → 進行中的建立
}

// provisioning 一個房間進行中的建立
type provisioning struct {
	stop chan struct{} // StopRoomAsync 關閉：不再建立下一個
	done chan struct{} // 建立 goroutine 返回時關閉
}

// NewClient 創建客戶端
func NewClient(baseURL string, timeout time.Duration, defaults CreateRequest, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
		defaults: defaults,
		inflight: make(map[string]*provisioning),
	}
}

// CreateSimulation POST /games
func (c *Client) CreateSimulation(ctx context.Context, req CreateRequest) (string, error) {
	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, "/games", req, &resp); err != nil {
		return "", err
	}
	return resp.SimulationID, nil
}

// GetState GET /games/{id}
func (c *Client) GetState(ctx context.Context, id string) (SimulationState, error) {
	var state SimulationState
	err := c.do(ctx, http.MethodGet, "/games/"+url.PathEscape(id), nil, &state)
	return state, err
}

// SpeedBoost POST /games/{id}/speed-boost，返回實際被加速的模擬
func (c *Client) SpeedBoost(ctx context.Context, id string, req BoostRequest) (string, error) {
	var resp BoostResponse
	if err := c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(id)+"/speed-boost", req, &resp); err != nil {
		return "", err
	}
	return resp.SimulationID, nil
}

// Delete DELETE /games/{id}
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/games/"+url.PathEscape(id), nil, nil)
}

// StopRoom POST /stop-room
func (c *Client) StopRoom(ctx context.Context, roomID string) (int, error) {
	var resp StopRoomResponse
	if err := c.do(ctx, http.MethodPost, "/stop-room", StopRoomRequest{RoomID: roomID}, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// ProvisionAsync 為房間的空位建立背景模擬（不阻塞呼叫者）
func (c *Client) ProvisionAsync(roomID string, count int) {
	p := &provisioning{stop: make(chan struct{}), done: make(chan struct{})}

	c.mu.Lock()
	prev := c.inflight[roomID]
	c.inflight[roomID] = p
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.inflight[roomID] == p {
				delete(c.inflight, roomID)
			}
			c.mu.Unlock()
			close(p.done)
		}()

		// 同一房間的前一批先完成，StopRoomAsync 只需要等最新的一批
		if prev != nil {
			<-prev.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		created := 0
		for i := 0; i < count; i++ {
			select {
			case <-p.stop:
				c.logger.Debug("房間已銷毀，停止建立 NPC 模擬",
					"room_id", roomID,
					"created", created,
					"requested", count)
				return
			default:
			}

			req := c.defaults
			req.RoomID = roomID
			req.Slot = i
			if _, err := c.CreateSimulation(ctx, req); err != nil {
				c.logger.Warn("建立 NPC 模擬失敗",
					"room_id", roomID,
					"created", created,
					"requested", count,
					"error", err)
				return
			}
			created++
		}
		c.logger.Info("NPC 模擬已建立", "room_id", roomID, "count", created)
	}()
}

// StopRoomAsync 通知編排服務停止房間的模擬；失敗不影響房間銷毀
//
// 房間還有進行中的建立時，先等它停下再送 stop-room。
func (c *Client) StopRoomAsync(roomID string) {
	c.mu.Lock()
	p := c.inflight[roomID]
	if p != nil {
		delete(c.inflight, roomID)
		close(p.stop)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if p != nil {
			<-p.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		deleted, err := c.StopRoom(ctx, roomID)
		if err != nil {
			c.logger.Warn("停止房間模擬失敗", "room_id", roomID, "error", err)
			return
		}
		c.logger.Debug("房間模擬已停止", "room_id", roomID, "deleted", deleted)
	}()
}

// Wait 等待所有背景呼叫完成（關閉時使用）
func (c *Client) Wait() {
	c.wg.Wait()
}

// do 發送請求並解析 JSON 回覆
//
// 404 → ErrSimulationNotFound；網路錯誤與 5xx → ErrOrchestratorUnavailable。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeTimeout, "npc orchestrator request timed out")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrOrchestratorUnavailable.Message)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrSimulationNotFound
	case resp.StatusCode >= 500:
		return apperrors.ErrOrchestratorUnavailable.WithDetails(resp.Status)
	case resp.StatusCode >= 400:
		var appErr apperrors.AppError
		if json.NewDecoder(resp.Body).Decode(&appErr) == nil && appErr.Code != "" {
			return &appErr
		}
		return apperrors.New(apperrors.ErrCodeInvalidInput, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
