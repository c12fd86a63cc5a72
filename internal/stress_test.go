package internal_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ku-nlp/ChatCollectionFramework/internal"
	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// TestStress_ChatSessions 大量使用者同時配對、聊天、離開
func TestStress_ChatSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	cfg := testConfig(t)
	broker := internal.NewBroker(cfg, nil, testLogger())
	defer broker.Stop()

	const (
		numUsers        = 200
		messagesPerUser = 20
	)

	var (
		wg       sync.WaitGroup
		posted   int64
		ignored  int64
		failures int64
	)

	start := time.Now()

	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			userID := fmt.Sprintf("user-%d", id)

			res, err := broker.Join(ctx, userID, nil)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}

			since := ""
			for j := 0; j < messagesPerUser; j++ {
				if _, err := broker.Post(userID, res.RoomID, fmt.Sprintf("m%d", j)); err != nil {
					if apperrors.IsNoop(err) {
						atomic.AddInt64(&ignored, 1)
						continue
					}
					atomic.AddInt64(&failures, 1)
					continue
				}
				atomic.AddInt64(&posted, 1)

				if rand.Intn(4) == 0 {
					snap, err := broker.Poll(ctx, res.RoomID, userID, since)
					if err == nil {
						since = snap.Modified
					} else if !apperrors.IsExpired(err) && !apperrors.IsNotFound(err) {
						atomic.AddInt64(&failures, 1)
					}
				}
			}

			if _, err := broker.Leave(ctx, userID, res.RoomID); err != nil && !apperrors.IsNoop(err) {
				atomic.AddInt64(&failures, 1)
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	t.Logf("聊天壓力測試結果:")
	t.Logf("  使用者: %d", numUsers)
	t.Logf("  訊息: %d（忽略 %d）", posted, ignored)
	t.Logf("  耗時: %v", duration)

	assert.Zero(t, failures)
	assert.Equal(t, int64(numUsers*messagesPerUser), posted+ignored)

	// 全部離開後沒有活躍房間，訊息總數與釋放房間一致
	list := broker.ListRooms()
	assert.Empty(t, list.Active)
	total := 0
	for _, r := range list.Released {
		require.Equal(t, internal.StateReleased, r.State)
		total += r.Messages
	}
	assert.Equal(t, int(posted), total)
}

// TestStress_JoinLeaveChurn 反覆加入與離開時維持「每人最多一間活躍房間」
func TestStress_JoinLeaveChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	cfg := testConfig(t)
	broker := internal.NewBroker(cfg, nil, testLogger())
	defer broker.Stop()

	const (
		numUsers = 50
		rounds   = 20
	)

	var wg sync.WaitGroup
	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			userID := fmt.Sprintf("churn-%d", id)
			for r := 0; r < rounds; r++ {
				res, err := broker.Join(ctx, userID, nil)
				if !assert.NoError(t, err) {
					return
				}
				// 重複加入拿到同一間
				again, err := broker.Join(ctx, userID, nil)
				if assert.NoError(t, err) {
					assert.Equal(t, res.RoomID, again.RoomID)
				}
				_, err = broker.Leave(ctx, userID, res.RoomID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	list := broker.ListRooms()
	assert.Empty(t, list.Active)
	for _, r := range list.Released {
		assert.LessOrEqual(t, r.Participants, internal.MaxParticipants)
	}
}
