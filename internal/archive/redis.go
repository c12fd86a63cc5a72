package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink 把逐字稿鏡像到 Redis
//
// 鍵設計：
//   - <prefix>:transcript:<roomID>  逐字稿全文（帶 TTL）
//   - <prefix>:transcripts          最近釋放的房間 ID 列表（LPUSH + LTRIM 限長）
type RedisSink struct {
	client    redis.Cmdable
	prefix    string
	ttl       time.Duration
	indexSize int64
	loc       *time.Location
}

// RedisSinkOptions Redis Sink 參數
type RedisSinkOptions struct {
	KeyPrefix string
	TTL       time.Duration // 0 表示不過期
	IndexSize int64
	Location  *time.Location
}

// NewRedisSink 創建 Redis Sink
func NewRedisSink(client redis.Cmdable, opts RedisSinkOptions) *RedisSink {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "chat"
	}
	if opts.IndexSize <= 0 {
		opts.IndexSize = 1000
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &RedisSink{
		client:    client,
		prefix:    opts.KeyPrefix,
		ttl:       opts.TTL,
		indexSize: opts.IndexSize,
		loc:       opts.Location,
	}
}

// Name 實現 Sink
func (s *RedisSink) Name() string { return "redis" }

// TranscriptKey 逐字稿鍵
func (s *RedisSink) TranscriptKey(roomID string) string {
	return fmt.Sprintf("%s:transcript:%s", s.prefix, roomID)
}

// IndexKey 最近逐字稿列表鍵
func (s *RedisSink) IndexKey() string {
	return s.prefix + ":transcripts"
}

// Write 以 MULTI/EXEC 寫入全文與索引
func (s *RedisSink) Write(ctx context.Context, t *Transcript) error {
	body := Format(t, s.loc)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.TranscriptKey(t.RoomID), body, s.ttl)
		pipe.LPush(ctx, s.IndexKey(), t.RoomID)
		pipe.LTrim(ctx, s.IndexKey(), 0, s.indexSize-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
