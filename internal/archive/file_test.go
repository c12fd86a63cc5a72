package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ku-nlp/ChatCollectionFramework/internal/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_Path(t *testing.T) {
	root := t.TempDir()
	sink := archive.NewFileSink(root, time.UTC)

	got := sink.Path(sampleTranscript())
	assert.Equal(t, filepath.Join(root, "2026", "03", "07", "room-1.txt"), got)
}

func TestFileSink_PathUsesArchiveTimezone(t *testing.T) {
	root := t.TempDir()
	// 2026-03-07 01:02 UTC 在 UTC-5 仍是 3 月 6 日
	sink := archive.NewFileSink(root, time.FixedZone("EST", -5*60*60))

	got := sink.Path(sampleTranscript())
	assert.Equal(t, filepath.Join(root, "2026", "03", "06", "room-1.txt"), got)
}

func TestFileSink_Write(t *testing.T) {
	root := t.TempDir()
	sink := archive.NewFileSink(root, time.UTC)
	tr := sampleTranscript()

	require.NoError(t, sink.Write(context.Background(), tr))

	data, err := os.ReadFile(sink.Path(tr))
	require.NoError(t, err)
	assert.Equal(t, string(archive.Format(tr, time.UTC)), string(data))

	// 不留下暫存檔
	entries, err := os.ReadDir(filepath.Dir(sink.Path(tr)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSink_WriteFailure(t *testing.T) {
	root := t.TempDir()
	// 用一般檔案佔住年份目錄的位置，讓 MkdirAll 失敗
	require.NoError(t, os.WriteFile(filepath.Join(root, "2026"), []byte("x"), 0o600))

	sink := archive.NewFileSink(root, time.UTC)
	err := sink.Write(context.Background(), sampleTranscript())
	assert.Error(t, err)
}

func TestFileSink_CanceledContext(t *testing.T) {
	sink := archive.NewFileSink(t.TempDir(), time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sink.Write(ctx, sampleTranscript()), context.Canceled)
}
