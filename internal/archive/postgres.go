package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink 把逐字稿鏡像到 chat_transcripts 表
//
// room_id 為主鍵，重複寫入以 ON CONFLICT DO NOTHING 忽略，
// 與檔案 Sink 一樣每個房間最多一筆。
type PostgresSink struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewPostgresSink 創建 PostgreSQL Sink
func NewPostgresSink(pool *pgxpool.Pool, loc *time.Location) *PostgresSink {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresSink{pool: pool, loc: loc}
}

// Name 實現 Sink
func (s *PostgresSink) Name() string { return "postgres" }

const insertTranscriptSQL = `
INSERT INTO chat_transcripts (room_id, experiment_id, created_at, released_at, message_count, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id) DO NOTHING`

// Write 實現 Sink
func (s *PostgresSink) Write(ctx context.Context, t *Transcript) error {
	_, err := s.pool.Exec(ctx, insertTranscriptSQL,
		t.RoomID,
		t.ExperimentID,
		t.Created,
		t.Released,
		len(t.Messages),
		string(Format(t, s.loc)),
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// StoredTranscript chat_transcripts 的一列
type StoredTranscript struct {
	RoomID       string
	ExperimentID string
	CreatedAt    time.Time
	ReleasedAt   time.Time
	MessageCount int
	Body         string
}

// Get 依房間 ID 讀回逐字稿（管理與測試用）
func (s *PostgresSink) Get(ctx context.Context, roomID string) (*StoredTranscript, error) {
	var st StoredTranscript
	err := s.pool.QueryRow(ctx, `
SELECT room_id, experiment_id, created_at, released_at, message_count, body
FROM chat_transcripts WHERE room_id = $1`, roomID).Scan(
		&st.RoomID,
		&st.ExperimentID,
		&st.CreatedAt,
		&st.ReleasedAt,
		&st.MessageCount,
		&st.Body,
	)
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", roomID, err)
	}
	return &st, nil
}
