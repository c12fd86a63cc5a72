package internal

import (
	"maps"
	"time"

	"github.com/ku-nlp/ChatCollectionFramework/internal/archive"
)

// 系統設計問題：
//   兩位匿名訪客配成一個聊天房間後，如何讓雙方（以及背景清理）安全地讀寫同一份房間狀態？
//
// 核心挑戰：
//   1. 並發控制：雙方同時輪詢、發訊息，清理 goroutine 也可能移除參與者
//   2. 變更偵測：長輪詢要能判斷「自某個時間點之後房間有沒有變」
//   3. 隱私：回給客戶端的事件不能洩漏對方的原始 ID
//
// 設計方案：
//   ✅ Room 本身不帶鎖，鎖由 Registry 持有（房間釋放時鎖一併丟棄）
//   ✅ Modified 每次變更嚴格遞增（微秒），固定寬度字串可直接比較
//   ✅ 每次變更關閉並替換 changed channel，喚醒等待中的輪詢
//
// 本檔案所有未匯出的方法都要求呼叫端持有該房間的鎖。

// RoomState 房間狀態
//
//	open → paired → released
//	  ↓______________↑
//
// open：一位參與者等待配對；paired：兩位參與者；released：所有人都離開，已歸檔
type RoomState string

const (
	StateOpen     RoomState = "open"
	StatePaired   RoomState = "paired"
	StateReleased RoomState = "released"
)

// MaxParticipants 房間容量
const MaxParticipants = 2

// EventMessage 聊天訊息事件
const EventMessage = "msg"

// TimeLayout 快照中的時間格式：UTC、固定寬度、微秒精度，字串比較等同時間比較
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// User 使用者（以瀏覽器分頁為單位）
type User struct {
	ID         string            `json:"user_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event 房間事件（只會追加，不會修改）
type Event struct {
	Type      string
	From      string
	Body      string
	Timestamp time.Time
}

// LeftParticipant 已離開的參與者（歸檔用）
type LeftParticipant struct {
	UserID    string    `json:"user_id"`
	LastPoll  time.Time `json:"last_poll"`
	PollCount int       `json:"poll_count"`
}

// Room 一個雙人聊天房間
type Room struct {
	ID           string
	ExperimentID string
	Initiator    string
	Created      time.Time
	Modified     time.Time
	State        RoomState

	Participants     []User
	Events           []Event
	PollLog          map[string][]time.Time
	LeftParticipants map[string]LeftParticipant // "U1"/"U2" -> 離開者

	attributes map[string]map[string]string // userID -> 屬性，離開後仍保留給歸檔
	seq        uint64                       // 建立順序，配對時的平手判定
	changed    chan struct{}
}

// newRoom 創建房間，發起者即第一位參與者
func newRoom(id, experimentID string, initiator User, now time.Time) *Room {
	now = stamp(now)
	r := &Room{
		ID:               id,
		ExperimentID:     experimentID,
		Initiator:        initiator.ID,
		Created:          now,
		Modified:         now,
		State:            StateOpen,
		PollLog:          make(map[string][]time.Time),
		LeftParticipants: make(map[string]LeftParticipant),
		attributes:       make(map[string]map[string]string),
		changed:          make(chan struct{}),
	}
	r.Participants = append(r.Participants, initiator)
	r.attributes[initiator.ID] = maps.Clone(initiator.Attributes)
	// 加入即視為一次輪詢，從未輪詢的人也能被閒置清理回收
	r.PollLog[initiator.ID] = []time.Time{now}
	return r
}

// stamp 統一時間精度與時區
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// touch 更新 Modified（嚴格遞增）並喚醒等待中的輪詢
func (r *Room) touch(now time.Time) time.Time {
	now = stamp(now)
	if !now.After(r.Modified) {
		now = r.Modified.Add(time.Microsecond)
	}
	r.Modified = now

	close(r.changed)
	r.changed = make(chan struct{})
	return now
}

// changes 下一次變更時會被關閉的 channel
func (r *Room) changes() <-chan struct{} {
	return r.changed
}

// hasParticipant 是否為目前參與者
func (r *Room) hasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// active 房間是否還能被操作
func (r *Room) active() bool {
	return r.State != StateReleased
}

// addParticipant 第二位參與者加入，房間轉為 paired
func (r *Room) addParticipant(u User, now time.Time) {
	r.Participants = append(r.Participants, u)
	r.attributes[u.ID] = maps.Clone(u.Attributes)
	r.State = StatePaired
	ts := r.touch(now)
	r.PollLog[u.ID] = append(r.PollLog[u.ID], ts)
}

// recordPoll 記錄輪詢（存活訊號），不更新 Modified
func (r *Room) recordPoll(userID string, now time.Time) {
	r.PollLog[userID] = append(r.PollLog[userID], stamp(now))
}

// lastPoll 最後一次輪詢時間
func (r *Room) lastPoll(userID string) (time.Time, bool) {
	polls := r.PollLog[userID]
	if len(polls) == 0 {
		return time.Time{}, false
	}
	return polls[len(polls)-1], true
}

// appendMessage 追加訊息；發送者視同已看到自己的訊息
func (r *Room) appendMessage(userID, body string, now time.Time) {
	ts := r.touch(now)
	r.Events = append(r.Events, Event{
		Type:      EventMessage,
		From:      userID,
		Body:      body,
		Timestamp: ts,
	})
	r.PollLog[userID] = append(r.PollLog[userID], ts)
}

// removeParticipant 移除參與者，回傳房間是否已空
//
// 第一位離開者記在 U1，第二位記在 U2。
func (r *Room) removeParticipant(userID string, now time.Time) bool {
	slot := archive.SeatInitiator
	if _, taken := r.LeftParticipants[archive.SeatInitiator]; taken {
		slot = archive.SeatPartner
	}
	last, _ := r.lastPoll(userID)
	r.LeftParticipants[slot] = LeftParticipant{
		UserID:    userID,
		LastPoll:  last,
		PollCount: len(r.PollLog[userID]),
	}

	kept := r.Participants[:0]
	for _, p := range r.Participants {
		if p.ID != userID {
			kept = append(kept, p)
		}
	}
	r.Participants = kept
	r.touch(now)

	return len(r.Participants) == 0
}

// messageCount 訊息數
func (r *Room) messageCount() int {
	n := 0
	for _, e := range r.Events {
		if e.Type == EventMessage {
			n++
		}
	}
	return n
}

// seatOf 歸檔座位：發起者為 U1，其餘為 U2
func (r *Room) seatOf(userID string) string {
	if userID == r.Initiator {
		return archive.SeatInitiator
	}
	return archive.SeatPartner
}

// transcript 產生歸檔用逐字稿（複製資料，釋放鎖後仍可安全使用）
func (r *Room) transcript(released time.Time) *archive.Transcript {
	t := &archive.Transcript{
		RoomID:         r.ID,
		ExperimentID:   r.ExperimentID,
		Created:        r.Created,
		Released:       stamp(released),
		SeatAttributes: make(map[string]map[string]string),
		Messages:       make([]archive.Message, 0, len(r.Events)),
	}
	for userID, attrs := range r.attributes {
		if len(attrs) > 0 {
			t.SeatAttributes[r.seatOf(userID)] = maps.Clone(attrs)
		}
	}
	for _, e := range r.Events {
		if e.Type != EventMessage {
			continue
		}
		t.Messages = append(t.Messages, archive.Message{
			Timestamp: e.Timestamp,
			Seat:      r.seatOf(e.From),
			Body:      e.Body,
		})
	}
	return t
}
