package internal

import (
	"context"
	"time"

	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// PollCoordinator 長輪詢
//
// 等待時不持有任何鎖。每一輪：
//
//	查表（短暫讀鎖）→ 房間鎖 → 記錄輪詢 → 有變化就回傳快照 → 解鎖 → 等待
//
// 等待在三者之一發生時結束：房間變更（changed channel 被關閉）、
// 重試間隔到期、最長等待時間到期。客戶端斷線（ctx 取消）直接結束。
type PollCoordinator struct {
	registry *Registry
	cfg      ChatConfig
	clock    Clock
}

// NewPollCoordinator 創建長輪詢協調器
func NewPollCoordinator(registry *Registry, cfg ChatConfig, clock Clock) *PollCoordinator {
	if clock == nil {
		clock = RealClock{}
	}
	return &PollCoordinator{
		registry: registry,
		cfg:      cfg,
		clock:    clock,
	}
}

// AwaitChange 等待房間在 since 之後發生變化
//
// since 為空字串時立即回傳目前快照。
func (pc *PollCoordinator) AwaitChange(ctx context.Context, roomID, userID, since string) (*Snapshot, error) {
	start := time.Now()
	deadline := time.NewTimer(pc.cfg.PollInterval)
	defer deadline.Stop()

	for {
		snap, changed, err := pc.check(roomID, userID, since)
		if err != nil || snap != nil {
			return snap, err
		}

		wait := pc.cfg.PollRetry
		if remaining := pc.cfg.PollInterval - time.Since(start); remaining < wait {
			wait = remaining
		}
		retry := time.NewTimer(max(wait, 0))

		select {
		case <-ctx.Done():
			retry.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			retry.Stop()
			return nil, apperrors.ErrExpired
		case <-changed:
			retry.Stop()
		case <-retry.C:
		}
	}
}

// check 一輪檢查；沒有變化時回傳下一次變更的 channel
func (pc *PollCoordinator) check(roomID, userID, since string) (*Snapshot, <-chan struct{}, error) {
	room, mu, ok := pc.registry.lookup(roomID)
	if !ok {
		return nil, nil, apperrors.ErrNotFound
	}

	mu.Lock()
	defer mu.Unlock()

	if !room.active() || !room.hasParticipant(userID) {
		return nil, nil, apperrors.ErrNotFound
	}

	room.recordPoll(userID, pc.clock.Now())

	if since == "" || room.Modified.Format(TimeLayout) > since {
		return room.snapshot(userID, pc.cfg), nil, nil
	}
	return nil, room.changes(), nil
}
