// Package httpx 中繼與編排服務共用的 HTTP 回應與中間件
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// JSON 返回 JSON 響應
func JSON(w http.ResponseWriter, logger *slog.Logger, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// Error 返回 {"error": message}
func Error(w http.ResponseWriter, logger *slog.Logger, message string, status int) {
	JSON(w, logger, map[string]any{"error": message}, status)
}

// Middleware 包裝 handler 的函數
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Recoverer panic 恢復：記錄後返回 500
func Recoverer(logger *slog.Logger) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("處理請求時發生 panic",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path)
					Error(w, logger, "內部伺服器錯誤", http.StatusInternalServerError)
				}
			}()
			next(w, r)
		}
	}
}

// Logger 以指定級別記錄每個請求的狀態碼與耗時
//
// 高頻輪詢的服務用 Debug，避免淹沒日誌。
func Logger(logger *slog.Logger, level slog.Level) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next(rec, r)

			logger.Log(r.Context(), level, "HTTP 請求",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		}
	}
}

// Chain 依序套用中間件，第一個在最外層
func Chain(h http.HandlerFunc, mws ...Middleware) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder 記錄寫出的狀態碼
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
