// Package notify 發布房間生命週期事件
package notify

import (
	"context"
	"time"
)

// 事件類型
const (
	EventRoomCreated  = "room.created"
	EventRoomPaired   = "room.paired"
	EventRoomReleased = "room.released"
)

// RoomEvent 房間生命週期事件
type RoomEvent struct {
	Type         string    `json:"type"`
	RoomID       string    `json:"room_id"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Participants int       `json:"participants"`
	Messages     int       `json:"messages"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier 事件發布者
//
// Broker 在釋放所有鎖之後才呼叫 Publish；實作不可回呼 Broker。
type Notifier interface {
	Publish(ctx context.Context, event RoomEvent) error
	Close() error
}

// Nop 不做任何事的 Notifier（預設）
type Nop struct{}

// Publish 實現 Notifier
func (Nop) Publish(context.Context, RoomEvent) error { return nil }

// Close 實現 Notifier
func (Nop) Close() error { return nil }
