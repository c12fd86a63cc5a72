package notify_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ku-nlp/ChatCollectionFramework/internal/notify"
)

func TestNop(t *testing.T) {
	var n notify.Notifier = notify.Nop{}
	assert.NoError(t, n.Publish(context.Background(), notify.RoomEvent{Type: notify.EventRoomCreated}))
	assert.NoError(t, n.Close())
}

// TestNATSNotifier_Publish 需要 NATS_URL 指向可用的 NATS server
func TestNATSNotifier_Publish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	n, err := notify.NewNATSNotifier(url, "test-chat", logger)
	require.NoError(t, err)
	defer n.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(n.Subject(notify.EventRoomPaired), msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	event := notify.RoomEvent{
		Type:         notify.EventRoomPaired,
		RoomID:       "room-1",
		Participants: 2,
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, n.Publish(context.Background(), event))

	select {
	case msg := <-msgs:
		var got notify.RoomEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "room-1", got.RoomID)
		assert.Equal(t, 2, got.Participants)
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSNotifier_Subject(t *testing.T) {
	n := notify.NewNATSNotifierWithConn(nil, "", nil)
	assert.Equal(t, "chat.room.released", n.Subject(notify.EventRoomReleased))
}
