package internal_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ku-nlp/ChatCollectionFramework/internal"
	"github.com/ku-nlp/ChatCollectionFramework/internal/archive"
	"github.com/ku-nlp/ChatCollectionFramework/internal/notify"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakeClock 手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testConfig 縮短輪詢時間；背景清理間隔設很長，測試以 Broker.Sweep 手動觸發
func testConfig(t *testing.T) *internal.Config {
	t.Helper()

	cfg := internal.DefaultConfig()
	cfg.Chat.PollInterval = 300 * time.Millisecond
	cfg.Chat.PollRetry = 50 * time.Millisecond
	cfg.Sweep.Interval = time.Hour
	cfg.Archive.Dir = t.TempDir()
	cfg.Archive.Timezone = "UTC"
	require.NoError(t, cfg.Validate())
	return cfg
}

// testEnv 一個 Broker 與其歸檔目錄
type testEnv struct {
	cfg    *internal.Config
	broker *internal.Broker
	clock  *fakeClock
	files  *archive.FileSink
}

func newTestEnv(t *testing.T, cfg *internal.Config, opts ...internal.Option) *testEnv {
	t.Helper()

	clock := newFakeClock()
	files := archive.NewFileSink(cfg.Archive.Dir, time.UTC)
	archiver := archive.New(testLogger(), files)

	opts = append([]internal.Option{internal.WithClock(clock)}, opts...)
	broker := internal.NewBroker(cfg, archiver, testLogger(), opts...)
	t.Cleanup(broker.Stop)

	return &testEnv{
		cfg:    cfg,
		broker: broker,
		clock:  clock,
		files:  files,
	}
}

// join 加入並要求成功
func (e *testEnv) join(t *testing.T, userID string) *internal.JoinResult {
	t.Helper()
	res, err := e.broker.Join(context.Background(), userID, nil)
	require.NoError(t, err)
	return res
}

// archivePath 房間逐字稿路徑（房間建立於 fakeClock 的起始日期）
func (e *testEnv) archivePath(roomID string) string {
	return e.files.Path(&archive.Transcript{
		RoomID:  roomID,
		Created: newFakeClock().Now(),
	})
}

// recordingNotifier 記錄發布的事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.RoomEvent
	closed bool
}

func (n *recordingNotifier) Publish(_ context.Context, e notify.RoomEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}
