package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
	"github.com/ku-nlp/ChatCollectionFramework/pkg/logger"
)

// Handler HTTP 請求處理器
type Handler struct {
	broker *Broker
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(broker *Broker, logger *slog.Logger) *Handler {
	return &Handler{
		broker: broker,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 聊天 API
	mux.HandleFunc("POST /api/v1/join", wrap(h.join))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/poll", wrap(h.poll))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/messages", wrap(h.post))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/leave", wrap(h.leave))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type joinRequest struct {
	UserID     string            `json:"user_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type postRequest struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}

type leaveRequest struct {
	UserID string `json:"user_id"`
}

// join 配對
func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		h.errorResponse(w, "user_id 為必填", http.StatusBadRequest)
		return
	}

	ctx := logger.WithUserID(r.Context(), req.UserID)
	result, err := h.broker.Join(ctx, req.UserID, req.Attributes)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, result, http.StatusOK)
}

// poll 長輪詢
//
// 逾時沒有變化回 204，客戶端直接再發下一次輪詢。
func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	query := r.URL.Query()

	userID := query.Get("user_id")
	if userID == "" {
		h.errorResponse(w, "user_id 為必填", http.StatusBadRequest)
		return
	}

	ctx := logger.WithUserID(r.Context(), userID)
	snap, err := h.broker.Poll(ctx, roomID, userID, query.Get("since"))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// 客戶端已斷線，沒有人會讀這個回應
			return
		}
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, snap, http.StatusOK)
}

// post 發送訊息
func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		h.errorResponse(w, "user_id 為必填", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		h.errorResponse(w, "訊息內容不能為空", http.StatusBadRequest)
		return
	}

	snap, err := h.broker.Post(req.UserID, roomID, req.Body)
	if err != nil {
		h.appError(w, r, err)
		return
	}

	h.jsonResponse(w, snap, http.StatusOK)
}

// leave 離開房間
func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		h.errorResponse(w, "user_id 為必填", http.StatusBadRequest)
		return
	}

	ctx := logger.WithUserID(r.Context(), req.UserID)
	snap, err := h.broker.Leave(ctx, req.UserID, roomID)
	if err != nil && !apperrors.IsArchiveFailed(err) {
		h.appError(w, r, err)
		return
	}

	// 歸檔失敗不影響離開的結果（Broker 已記錄）
	h.jsonResponse(w, snap, http.StatusOK)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.broker.ListRooms(), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.broker.Stats(), http.StatusOK)
}

// statusFor 錯誤碼對應的 HTTP 狀態碼
func statusFor(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeDuplicateSession:
		return http.StatusConflict
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeExpired:
		return http.StatusNoContent
	case apperrors.ErrCodeNoop:
		return http.StatusAccepted
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// appError 依錯誤碼回應
func (h *Handler) appError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}

	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "處理請求失敗", "error", err)
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		h.jsonResponse(w, appErr, status)
		return
	}
	h.errorResponse(w, "內部伺服器錯誤", status)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// requestID 請求 ID 中間件
//
// 沿用客戶端帶來的 X-Request-ID，沒有則產生一個；
// 之後透過 *Context 方法記錄的日誌都會帶上它。
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 讓 http.ResponseController 取得底層 ResponseWriter
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
