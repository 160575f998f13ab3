// Package errors 提供中繼服務的錯誤碼與錯誤包裝
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeConflict 狀態衝突（如房間正在銷毀）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeUnavailable 外部服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 比對錯誤碼與訊息
//
// 只比對錯誤碼會讓 ErrRoomClosed 與 ErrAlreadyJoined 互相匹配，
// 所以預定義錯誤以 Code + Message 作為身份。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本（預定義錯誤是共享值，不能直接修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomClosed 房間已關閉（正在銷毀，需重新查找或創建）
	ErrRoomClosed = New(ErrCodeConflict, "room is closed")

	// ErrRoomFull 大規模房間沒有空的子對局
	ErrRoomFull = New(ErrCodeConflict, "room is full")

	// ErrAlreadyJoined 連接已在房間內
	ErrAlreadyJoined = New(ErrCodeAlreadyExists, "connection already joined a room")

	// ErrNotInRoom 連接不在房間內
	ErrNotInRoom = New(ErrCodeNotFound, "connection is not in room")

	// ErrJoinTimeout 加入房間超時
	ErrJoinTimeout = New(ErrCodeTimeout, "join did not resolve a room in time")

	// ErrInvalidCanvas 無效的畫布尺寸
	ErrInvalidCanvas = New(ErrCodeInvalidInput, "canvas size must be positive")

	// ErrInvalidConfig 無效的配置
	ErrInvalidConfig = New(ErrCodeInvalidInput, "invalid configuration")

	// ErrSimulationNotFound 模擬不存在
	ErrSimulationNotFound = New(ErrCodeNotFound, "simulation not found")

	// ErrOrchestratorUnavailable NPC 編排服務不可用
	ErrOrchestratorUnavailable = New(ErrCodeUnavailable, "npc orchestrator unavailable")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsUnavailable 檢查是否為外部服務不可用錯誤
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
