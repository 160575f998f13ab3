// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// RoomIDKey 房間 ID 的上下文鍵
	RoomIDKey contextKey = "room_id"
	// ConnectionIDKey 連接 ID 的上下文鍵
	ConnectionIDKey contextKey = "connection_id"
)

// Options 日誌設定
type Options struct {
	Level     string
	Format    string // text 或 json
	Output    string // stdout、stderr 或檔案路徑
	AddSource bool
}

// New 建立日誌記錄器
//
// 輸出為檔案時，返回的 io.Closer 需要在程式結束前關閉。
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var (
		output io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	switch opts.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - 路徑來自配置檔，非使用者輸入
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		output = file
		closer = file
	}

	return slog.New(NewHandler(output, opts)), closer, nil
}

// NewHandler 建立帶上下文欄位的 slog.Handler
func NewHandler(w io.Writer, opts Options) slog.Handler {
	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// 統一使用 UTC 毫秒格式
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format("2006-01-02T15:04:05.000Z"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &contextHandler{Handler: handler}
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丟棄所有輸出的日誌記錄器（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if roomID, ok := ctx.Value(RoomIDKey).(string); ok && roomID != "" {
		r.AddAttrs(slog.String("room_id", roomID))
	}

	if connID, ok := ctx.Value(ConnectionIDKey).(string); ok && connID != "" {
		r.AddAttrs(slog.String("connection_id", connID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保持 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保持 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRoomID 添加房間 ID 到上下文
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithConnectionID 添加連接 ID 到上下文
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connID)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
