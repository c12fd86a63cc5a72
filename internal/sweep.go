package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// inactive 一位被判定閒置的參與者
type inactive struct {
	roomID string
	userID string
	idle   time.Duration
}

// LeaveFunc 清理時移除參與者的方式，必須與使用者主動離開走同一條路徑
type LeaveFunc func(ctx context.Context, userID, roomID string) error

// Sweeper 閒置參與者清理
//
// 背景 goroutine：Ticker + stopCh + WaitGroup。
// 掃描時持有全域鎖與各房間鎖，只收集名單；實際離開在所有鎖釋放後進行，
// 因為離開可能觸發歸檔 I/O。
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	leave     LeaveFunc
	logger    *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSweeper 創建清理器
func NewSweeper(registry *Registry, interval, threshold time.Duration, clock Clock, leave LeaveFunc, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		leave:     leave,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動背景清理
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce 執行一輪清理，回傳被移除的參與者數
func (s *Sweeper) SweepOnce() int {
	idle := s.collect()

	removed := 0
	for _, p := range idle {
		err := s.leave(context.Background(), p.userID, p.roomID)
		switch {
		case apperrors.IsNoop(err):
			// 收集之後對方已自行離開
			continue
		case apperrors.IsArchiveFailed(err):
			// 參與者已移除，只是歸檔失敗
		case err != nil:
			s.logger.Warn("清理閒置參與者失敗",
				"room_id", p.roomID,
				"user_id", p.userID,
				"error", err,
			)
			continue
		}
		removed++
		s.logger.Info("移除閒置參與者",
			"room_id", p.roomID,
			"user_id", p.userID,
			"idle", p.idle,
		)
	}
	return removed
}

// collect 收集閒置參與者
//
// 閒置時間以整秒計算：floor(now - lastPoll) > threshold。
func (s *Sweeper) collect() []inactive {
	reg := s.registry
	reg.mu.Lock()
	defer reg.mu.Unlock()

	now := s.clock.Now()

	var idle []inactive
	for _, rl := range reg.activeLocked() {
		withRoom(rl.mu, func() {
			for _, p := range rl.room.Participants {
				last, ok := rl.room.lastPoll(p.ID)
				if !ok {
					last = rl.room.Created
				}
				elapsed := now.Sub(last).Truncate(time.Second)
				if elapsed > s.threshold {
					idle = append(idle, inactive{
						roomID: rl.room.ID,
						userID: p.ID,
						idle:   elapsed,
					})
				}
			}
		})
	}
	return idle
}

// Stop 停止背景清理（可重複呼叫）
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
