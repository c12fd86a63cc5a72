// Package archive 將結束的聊天房間寫成逐字稿
//
// 系統設計問題：
//
//	房間最後一位參與者離開後，如何把對話可靠地落地，且不讓 I/O 失敗卡住房間狀態？
//
// 設計方案：
//
//	✅ Transcript 與 Room 解耦（歸檔只看到不可變的快照）
//	✅ 多個 Sink 扇出：檔案必寫，PostgreSQL / Redis 為選配鏡像
//	✅ 所有 Sink 都嘗試寫入，錯誤合併後回報給呼叫端（由呼叫端記錄日誌）
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// 座位標籤：U1 為房間發起者，U2 為另一方
const (
	SeatInitiator = "U1"
	SeatPartner   = "U2"
)

// TimestampLayout 逐字稿每行訊息的時間格式（歸檔時區）
const TimestampLayout = "2006-01-02 15:04:05"

// Message 逐字稿中的一則訊息
type Message struct {
	Timestamp time.Time
	Seat      string
	Body      string
}

// Transcript 一個已釋放房間的逐字稿
type Transcript struct {
	RoomID         string
	ExperimentID   string
	Created        time.Time
	Released       time.Time
	SeatAttributes map[string]map[string]string // seat -> 屬性
	Messages       []Message
}

// Sink 逐字稿寫入目的地
type Sink interface {
	Name() string
	Write(ctx context.Context, t *Transcript) error
}

// Archiver 把逐字稿扇出到所有 Sink
type Archiver struct {
	sinks  []Sink
	logger *slog.Logger
}

// New 創建歸檔器
func New(logger *slog.Logger, sinks ...Sink) *Archiver {
	return &Archiver{
		sinks:  sinks,
		logger: logger,
	}
}

// Archive 寫入逐字稿
//
// 每個 Sink 都會被嘗試；任何一個失敗都不會跳過其他 Sink。
func (a *Archiver) Archive(ctx context.Context, t *Transcript) error {
	var errs []error
	for _, sink := range a.sinks {
		start := time.Now()
		if err := sink.Write(ctx, t); err != nil {
			a.logger.Error("逐字稿寫入失敗",
				"sink", sink.Name(),
				"room_id", t.RoomID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		a.logger.Debug("逐字稿已寫入",
			"sink", sink.Name(),
			"room_id", t.RoomID,
			"messages", len(t.Messages),
			"duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Sinks 目前啟用的 Sink 名稱
func (a *Archiver) Sinks() []string {
	names := make([]string, 0, len(a.sinks))
	for _, s := range a.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Format 產生逐字稿純文字內容
//
// 格式：
//
//	experiment: <id>
//	U1 attributes: k=v, k2=v2
//	2006-01-02 15:04:05|U1: 訊息內容
func Format(t *Transcript, loc *time.Location) []byte {
	if loc == nil {
		loc = time.Local
	}

	var buf bytes.Buffer
	if t.ExperimentID != "" {
		fmt.Fprintf(&buf, "experiment: %s\n", t.ExperimentID)
	}

	for _, seat := range []string{SeatInitiator, SeatPartner} {
		attrs := t.SeatAttributes[seat]
		if len(attrs) == 0 {
			continue
		}
		pairs := make([]string, 0, len(attrs))
		for _, k := range slices.Sorted(maps.Keys(attrs)) {
			pairs = append(pairs, k+"="+attrs[k])
		}
		fmt.Fprintf(&buf, "%s attributes: %s\n", seat, strings.Join(pairs, ", "))
	}

	for _, m := range t.Messages {
		// 訊息內的換行會破壞一行一則的格式
		body := strings.ReplaceAll(m.Body, "\n", " ")
		fmt.Fprintf(&buf, "%s|%s: %s\n", m.Timestamp.In(loc).Format(TimestampLayout), m.Seat, body)
	}

	return buf.Bytes()
}
