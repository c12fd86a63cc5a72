package internal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ku-nlp/ChatCollectionFramework/internal"
	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// TestPoll_EmptySinceReturnsImmediately 沒有 since 時立即回傳
func TestPoll_EmptySinceReturnsImmediately(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	a := env.join(t, "alice")

	start := time.Now()
	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), env.cfg.Chat.PollInterval)

	assert.Equal(t, a.RoomID, snap.RoomID)
	assert.Equal(t, internal.StateOpen, snap.State)
	assert.True(t, snap.IsInitiator)
	assert.False(t, snap.Closed)
	assert.Equal(t, []string{internal.FromSelf}, snap.Participants)
	assert.Empty(t, snap.Events)
	assert.Len(t, snap.Modified, len(internal.TimeLayout))
}

// TestPoll_Expired 沒有變化時等到最長等待時間
func TestPoll_Expired(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	a := env.join(t, "alice")

	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)

	start := time.Now()
	_, err = env.broker.Poll(context.Background(), a.RoomID, "alice", snap.Modified)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperrors.IsExpired(err))
	assert.GreaterOrEqual(t, elapsed, env.cfg.Chat.PollInterval-20*time.Millisecond)
	assert.Less(t, elapsed, 3*env.cfg.Chat.PollInterval)
}

// TestPoll_OlderSince 客戶端的 since 比目前舊，立即回傳
func TestPoll_OlderSince(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	a := env.join(t, "alice")

	first, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)

	env.join(t, "bob")

	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", first.Modified)
	require.NoError(t, err)
	assert.Equal(t, internal.StatePaired, snap.State)
	assert.Greater(t, snap.Modified, first.Modified)
}

// TestPoll_WakesOnChange 等待中的輪詢在對方發訊息時被喚醒
func TestPoll_WakesOnChange(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.PollInterval = 2 * time.Second
	cfg.Chat.PollRetry = time.Second
	env := newTestEnv(t, cfg)

	a := env.join(t, "alice")
	env.join(t, "bob")

	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)

	type result struct {
		snap *internal.Snapshot
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		s, err := env.broker.Poll(context.Background(), a.RoomID, "alice", snap.Modified)
		done <- result{s, err}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = env.broker.Post("bob", a.RoomID, "are you there?")
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Len(t, res.snap.Events, 1)
		assert.Equal(t, internal.FromOther, res.snap.Events[0].From)
		// 比重試間隔更早被喚醒
		assert.Less(t, time.Since(start), cfg.Chat.PollRetry)
	case <-time.After(cfg.Chat.PollInterval):
		t.Fatal("poll was not woken by post")
	}
}

// TestPoll_NotFound 房間不存在或使用者不在房間內
func TestPoll_NotFound(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	a := env.join(t, "alice")

	tests := []struct {
		name   string
		roomID string
		userID string
	}{
		{name: "unknown room", roomID: "missing", userID: "alice"},
		{name: "not a participant", roomID: a.RoomID, userID: "mallory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.broker.Poll(context.Background(), tt.roomID, tt.userID, "")
			require.Error(t, err)
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

// TestPoll_ReleasedWhileWaiting 等待中房間被釋放
func TestPoll_ReleasedWhileWaiting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.PollInterval = 2 * time.Second
	cfg.Chat.PollRetry = time.Second
	env := newTestEnv(t, cfg)

	a := env.join(t, "alice")
	env.join(t, "bob")
	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.broker.Poll(context.Background(), a.RoomID, "alice", snap.Modified)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = env.broker.Leave(context.Background(), "bob", a.RoomID)
	require.NoError(t, err)

	// bob 離開是一次變更：alice 拿到 closed 快照
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(cfg.Chat.PollInterval):
		t.Fatal("poll was not woken by leave")
	}

	_, err = env.broker.Leave(context.Background(), "alice", a.RoomID)
	require.NoError(t, err)
	_, err = env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	assert.True(t, apperrors.IsNotFound(err))
}

// TestPoll_ContextCanceled 客戶端斷線結束等待
func TestPoll_ContextCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.PollInterval = 5 * time.Second
	env := newTestEnv(t, cfg)

	a := env.join(t, "alice")
	snap, err := env.broker.Poll(context.Background(), a.RoomID, "alice", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = env.broker.Poll(ctx, a.RoomID, "alice", snap.Modified)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}
