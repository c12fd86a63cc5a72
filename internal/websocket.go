package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
	"github.com/ku-nlp/ChatCollectionFramework/pkg/logger"
)

// 系統設計問題：
//   長輪詢每次都要重新發 HTTP 請求，能不能讓瀏覽器只開一條連線等房間變化？
//
// 設計方案：
//   ✅ 每條連線一個 watch goroutine，重複呼叫 Broker.Poll（與 HTTP 長輪詢同一套語意）
//   ✅ 有變化推送快照；逾時直接再輪詢；房間不存在推送 room_closed 後關閉
//   ✅ Ping/Pong 心跳（54s/60s）偵測死連線
//   ✅ 緩衝 channel 非同步發送，慢客戶端不拖累 watch

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// 推送給客戶端的訊框類型
const (
	FrameSnapshot   = "snapshot"
	FrameRoomClosed = "room_closed"
	FramePong       = "pong"
	FrameError      = "error"
)

// wsFrame 服務端訊框
type wsFrame struct {
	Type     string              `json:"type"`
	Snapshot *Snapshot           `json:"snapshot,omitempty"`
	Error    *apperrors.AppError `json:"error,omitempty"`
}

// wsMessage 客戶端訊框
type wsMessage struct {
	Type string `json:"type"` // ping / msg / leave
	Body string `json:"body,omitempty"`
}

// WatchHub WebSocket 連線中心
//
// connections: map[roomID]map[userID]*Connection
// 同一位使用者在同一房間重新連線時，舊連線會被關閉。
type WatchHub struct {
	broker      *Broker
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// Connection 一條 WebSocket 連線
type Connection struct {
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *WatchHub

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// NewWatchHub 創建 WebSocket Hub
func NewWatchHub(broker *Broker, logger *slog.Logger) *WatchHub {
	return &WatchHub{
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: 依部署網域限制來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 連線
func (hub *WatchHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		http.Error(w, "缺少房間 ID", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	userID := query.Get("user_id")
	if userID == "" {
		http.Error(w, "缺少使用者 ID", http.StatusBadRequest)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	ctx := logger.WithUserID(context.Background(), userID)
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		UserID: userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 16),
		Hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}

	hub.register(c)

	hub.wg.Add(1)
	go c.watch(query.Get("since"))
	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連線建立",
		"room_id", roomID,
		"user_id", userID)
}

// register 註冊連線
func (hub *WatchHub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[c.RoomID] == nil {
		hub.connections[c.RoomID] = make(map[string]*Connection)
	}

	// 關閉舊連線
	if old, exists := hub.connections[c.RoomID][c.UserID]; exists {
		old.close()
		old.Conn.Close()
	}

	hub.connections[c.RoomID][c.UserID] = c
}

// unregister 取消註冊連線
func (hub *WatchHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if roomConns, exists := hub.connections[c.RoomID]; exists {
		if actual, exists := roomConns[c.UserID]; exists && actual == c {
			delete(roomConns, c.UserID)
			if len(roomConns) == 0 {
				delete(hub.connections, c.RoomID)
			}
		}
	}
	c.close()
}

// GetConnectionCount 目前連線數
func (hub *WatchHub) GetConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	count := 0
	for _, roomConns := range hub.connections {
		count += len(roomConns)
	}
	return count
}

// Stop 關閉所有連線並等待 watch goroutine 結束
func (hub *WatchHub) Stop() {
	hub.mu.Lock()
	for _, roomConns := range hub.connections {
		for _, c := range roomConns {
			c.close()
			c.Conn.Close()
		}
	}
	hub.connections = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.wg.Wait()
	hub.logger.Info("WebSocket Hub 已停止")
}

// watch 持續長輪詢並推送快照
func (c *Connection) watch(since string) {
	defer c.Hub.wg.Done()

	for {
		snap, err := c.Hub.broker.Poll(c.ctx, c.RoomID, c.UserID, since)
		switch {
		case err == nil:
			since = snap.Modified
			c.send(wsFrame{Type: FrameSnapshot, Snapshot: snap})

		case apperrors.IsExpired(err):
			// 沒有變化，繼續等

		case apperrors.IsNotFound(err):
			c.send(wsFrame{Type: FrameRoomClosed})
			c.close()
			return

		default:
			// ctx 取消：連線已關閉
			if !errors.Is(err, context.Canceled) {
				c.Hub.logger.Error("WebSocket 輪詢失敗",
					"error", err,
					"room_id", c.RoomID,
					"user_id", c.UserID)
			}
			return
		}
	}
}

// send 非同步送出訊框；連線已關閉或緩衝區滿時回傳 false
func (c *Connection) send(frame wsFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.Hub.logger.Error("序列化訊框失敗", "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		c.Hub.logger.Warn("連線緩衝區滿",
			"room_id", c.RoomID,
			"user_id", c.UserID)
		return false
	}
}

// close 關閉 Send channel 並結束 watch（可重複呼叫）
func (c *Connection) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
	c.cancel()
}

// readPump 讀取客戶端訊框
//
// 60 秒內沒有收到任何訊框（包括 Pong）就關閉連線，
// 配合 writePump 每 54 秒送出的 Ping。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"room_id", c.RoomID,
					"user_id", c.UserID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// handleMessage 處理客戶端訊框
//
// 發訊息與離開的結果不在這裡回傳：房間變化會由 watch 推送。
func (c *Connection) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(wsFrame{Type: FrameError, Error: apperrors.New(apperrors.ErrCodeInvalidInput, "invalid frame")})
		return
	}

	switch msg.Type {
	case "ping":
		c.send(wsFrame{Type: FramePong})

	case "msg":
		if _, err := c.Hub.broker.Post(c.UserID, c.RoomID, msg.Body); err != nil {
			c.sendError(err)
		}

	case "leave":
		if _, err := c.Hub.broker.Leave(c.ctx, c.UserID, c.RoomID); err != nil && !apperrors.IsArchiveFailed(err) {
			c.sendError(err)
		}

	default:
		c.send(wsFrame{Type: FrameError, Error: apperrors.New(apperrors.ErrCodeInvalidInput, "unknown frame type").WithDetails(msg.Type)})
	}
}

func (c *Connection) sendError(err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "request failed")
	}
	c.send(wsFrame{Type: FrameError, Error: appErr})
}

// writePump 把 Send 中的訊框寫到客戶端，並定時送出 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Send 已關閉，送出 Close 訊框後結束
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
