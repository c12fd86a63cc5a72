package internal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ku-nlp/ChatCollectionFramework/internal/archive"
	"github.com/ku-nlp/ChatCollectionFramework/internal/notify"
	"github.com/ku-nlp/ChatCollectionFramework/internal/ratelimit"
	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// Broker 配對服務對外的唯一入口
//
// HTTP 與 WebSocket 層只透過 Broker 操作房間。
// 生命週期事件在所有鎖釋放後才發布。
type Broker struct {
	cfg      *Config
	registry *Registry
	matcher  *Matcher
	poller   *PollCoordinator
	sweeper  *Sweeper
	archiver *archive.Archiver
	notifier notify.Notifier
	limiter  *ratelimit.Limiter // nil 表示不限流
	clock    Clock
	logger   *slog.Logger

	compatible Compatibility
	stopOnce   sync.Once
}

// Option Broker 選項
type Option func(*Broker)

// WithClock 注入時間來源（測試用）
func WithClock(c Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithCompatibility 自訂配對條件
func WithCompatibility(fn Compatibility) Option {
	return func(b *Broker) { b.compatible = fn }
}

// WithNotifier 設定生命週期事件發布者
func WithNotifier(n notify.Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// NewBroker 創建 Broker 並啟動閒置清理
func NewBroker(cfg *Config, archiver *archive.Archiver, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		registry: NewRegistry(),
		archiver: archiver,
		notifier: notify.Nop{},
		clock:    RealClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.compatible == nil && len(cfg.Chat.MatchAttributes) > 0 {
		b.compatible = AttributeMatch(cfg.Chat.MatchAttributes...)
	}

	if cfg.RateLimit.Enabled {
		b.limiter = ratelimit.NewWithClock(cfg.RateLimit.Rate, cfg.RateLimit.Burst, b.clock.Now)
	}

	b.matcher = NewMatcher(b.registry, cfg.Chat, b.compatible, b.clock)
	b.poller = NewPollCoordinator(b.registry, cfg.Chat, b.clock)
	b.sweeper = NewSweeper(b.registry, cfg.Sweep.Interval, cfg.InactivityThreshold(), b.clock,
		func(ctx context.Context, userID, roomID string) error {
			_, err := b.Leave(ctx, userID, roomID)
			return err
		}, logger)
	b.sweeper.Start()

	return b
}

// Join 配對或開新房間
func (b *Broker) Join(ctx context.Context, userID string, attributes map[string]string) (result *JoinResult, err error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "user_id is required")
	}

	// 配對條件由外部提供，panic 只影響這一次呼叫
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "join panic", "user_id", userID, "panic", r)
			result = nil
			err = apperrors.Wrap(fmt.Errorf("panic: %v", r), apperrors.ErrCodeInternal, "join failed")
		}
	}()

	out, err := b.matcher.Join(User{ID: userID, Attributes: attributes})
	if err != nil {
		b.logger.InfoContext(ctx, "拒絕加入", "user_id", userID, "error", err)
		return nil, err
	}

	if out.lifecycle != "" {
		b.logger.InfoContext(ctx, "加入房間",
			"room_id", out.result.RoomID,
			"user_id", userID,
			"initiator", out.result.IsInitiator,
		)
		b.publish(ctx, notify.RoomEvent{
			Type:         out.lifecycle,
			RoomID:       out.result.RoomID,
			ExperimentID: out.experimentID,
			Participants: out.participants,
		})
	}

	return &out.result, nil
}

// Poll 長輪詢房間變化
func (b *Broker) Poll(ctx context.Context, roomID, userID, since string) (*Snapshot, error) {
	return b.poller.AwaitChange(ctx, roomID, userID, since)
}

// Post 發送訊息
//
// 房間已釋放或使用者不在房間內時回傳 ErrNoop。
func (b *Broker) Post(userID, roomID, body string) (*Snapshot, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "body is required")
	}

	room, mu, ok := b.registry.lookup(roomID)
	if !ok {
		return nil, apperrors.ErrNoop
	}

	mu.Lock()
	defer mu.Unlock()

	if !room.active() || !room.hasParticipant(userID) {
		return nil, apperrors.ErrNoop
	}
	if b.limiter != nil && !b.limiter.Allow(userID) {
		return nil, apperrors.ErrRateLimited
	}

	room.appendMessage(userID, body, b.clock.Now())
	return room.snapshot(userID, b.cfg.Chat), nil
}

// Leave 離開房間
//
// 最後一位離開時房間轉為 released 並歸檔。歸檔在所有鎖之外進行；
// 歸檔失敗時仍回傳快照，並附帶 ARCHIVE_FAILED 錯誤，房間不會回復。
func (b *Broker) Leave(ctx context.Context, userID, roomID string) (*Snapshot, error) {
	snap, transcript, event, err := b.release(userID, roomID)
	if err != nil {
		return nil, err
	}

	b.logger.InfoContext(ctx, "離開房間", "room_id", roomID, "user_id", userID)
	if b.limiter != nil {
		b.limiter.Forget(userID)
	}

	var archiveErr error
	if transcript != nil {
		// 客戶端斷線不應中斷歸檔
		if err := b.archive(context.WithoutCancel(ctx), transcript); err != nil {
			archiveErr = apperrors.Wrap(err, apperrors.ErrCodeArchiveFailed, "archive transcript")
		}
	}

	if event != nil {
		b.publish(ctx, *event)
	}

	return snap, archiveErr
}

// release 在全域鎖與房間鎖內移除參與者
func (b *Broker) release(userID, roomID string) (*Snapshot, *archive.Transcript, *notify.RoomEvent, error) {
	reg := b.registry
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, mu, ok := reg.lookupLocked(roomID)
	if !ok {
		return nil, nil, nil, apperrors.ErrNoop
	}

	mu.Lock()
	defer mu.Unlock()

	if !room.active() || !room.hasParticipant(userID) {
		return nil, nil, nil, apperrors.ErrNoop
	}

	if empty := room.removeParticipant(userID, b.clock.Now()); !empty {
		return room.snapshot(userID, b.cfg.Chat), nil, nil, nil
	}

	room.State = StateReleased
	reg.releaseLocked(roomID)

	event := &notify.RoomEvent{
		Type:         notify.EventRoomReleased,
		RoomID:       room.ID,
		ExperimentID: room.ExperimentID,
		Messages:     room.messageCount(),
		Timestamp:    room.Modified,
	}
	return room.snapshot(userID, b.cfg.Chat), room.transcript(room.Modified), event, nil
}

func (b *Broker) archive(ctx context.Context, t *archive.Transcript) error {
	if b.archiver == nil {
		return nil
	}
	if err := b.archiver.Archive(ctx, t); err != nil {
		b.logger.ErrorContext(ctx, "歸檔失敗", "room_id", t.RoomID, "error", err)
		return err
	}
	b.logger.InfoContext(ctx, "房間已歸檔", "room_id", t.RoomID, "messages", len(t.Messages))
	return nil
}

// publish 發布事件；失敗只記錄日誌
func (b *Broker) publish(ctx context.Context, event notify.RoomEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = stamp(b.clock.Now())
	}
	if err := b.notifier.Publish(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "事件發布失敗",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}

// ListRooms 列出活躍與已釋放房間（依建立順序）
func (b *Broker) ListRooms() RoomList {
	return b.registry.List()
}

// Sweep 同步執行一輪閒置清理，回傳被移除的參與者數
func (b *Broker) Sweep() int {
	return b.sweeper.SweepOnce()
}

// Stats 統計資訊
func (b *Broker) Stats() map[string]any {
	c := b.registry.Counts()
	return map[string]any{
		"open_rooms":     c.Open,
		"paired_rooms":   c.Paired,
		"released_rooms": c.Released,
		"waiting_users":  c.Open,
		"active_users":   c.Users,
	}
}

// Stop 停止背景清理並關閉事件發布者
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.sweeper.Stop()
		if err := b.notifier.Close(); err != nil {
			b.logger.Warn("關閉事件發布者失敗", "error", err)
		}
	})
}
