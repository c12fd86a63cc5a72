// Package errors 定義配對服務對外的錯誤分類
//
// 呼叫端（HTTP 層、WebSocket 層）只依賴錯誤碼判斷如何呈現，
// 不解析錯誤訊息字串。
package errors

import (
	"errors"
	"fmt"
)

// 錯誤碼
const (
	// ErrCodeDuplicateSession 同一瀏覽器 session 已在其他房間（重複分頁）
	ErrCodeDuplicateSession = "DUPLICATE_SESSION"
	// ErrCodeNotFound 房間不存在，或使用者已不在房間內
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeExpired 長輪詢逾時且房間沒有變化
	ErrCodeExpired = "EXPIRED"
	// ErrCodeNoop 對過期房間或非參與者的變更請求，直接忽略
	ErrCodeNoop = "NOOP"
	// ErrCodeArchiveFailed 逐字稿寫入失敗（房間仍會被釋放）
	ErrCodeArchiveFailed = "ARCHIVE_FAILED"
	// ErrCodeRateLimited 發訊息太頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
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

// Is 以錯誤碼比對，讓 errors.Is(err, ErrNotFound) 對包裝過的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
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

// WithDetails 回傳帶有詳細資訊的副本，不修改共用的預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrDuplicateSession = New(ErrCodeDuplicateSession, "session already joined from another tab")
	ErrNotFound         = New(ErrCodeNotFound, "room or participant not found")
	ErrExpired          = New(ErrCodeExpired, "poll expired without change")
	ErrNoop             = New(ErrCodeNoop, "request ignored")
	ErrRateLimited      = New(ErrCodeRateLimited, "too many messages")
)

// Code 取出錯誤碼，非 AppError 時回傳空字串
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsDuplicateSession 檢查是否為重複分頁錯誤
func IsDuplicateSession(err error) bool {
	return Code(err) == ErrCodeDuplicateSession
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsExpired 檢查是否為輪詢逾時
func IsExpired(err error) bool {
	return Code(err) == ErrCodeExpired
}

// IsNoop 檢查請求是否被忽略
func IsNoop(err error) bool {
	return Code(err) == ErrCodeNoop
}

// IsRateLimited 檢查是否被限流
func IsRateLimited(err error) bool {
	return Code(err) == ErrCodeRateLimited
}

// IsArchiveFailed 檢查是否為歸檔失敗
func IsArchiveFailed(err error) bool {
	return Code(err) == ErrCodeArchiveFailed
}
