package internal

import (
	"cmp"
	"slices"
)

// 回傳給呼叫端（HTTP / WebSocket）的唯讀視圖。
// 視圖一律在持有房間鎖時建立，之後與 Room 不共享任何可變資料。

// 事件的 from 對每位觀看者改寫
const (
	FromSelf  = "self"
	FromOther = "other"
)

// ClientConfig 回報給客戶端的服務設定（核心不強制）
type ClientConfig struct {
	ExperimentID     string  `json:"experiment_id,omitempty"`
	MessageCountLow  int     `json:"message_count_low"`
	MessageCountHigh int     `json:"message_count_high"`
	PollInterval     float64 `json:"poll_interval"` // 秒
	PartnerWait      float64 `json:"partner_wait"`  // 秒，房間已配對時為 0
}

func newClientConfig(cfg ChatConfig) ClientConfig {
	return ClientConfig{
		ExperimentID:     cfg.ExperimentID,
		MessageCountLow:  cfg.MessageCountLow,
		MessageCountHigh: cfg.MessageCountHigh,
		PollInterval:     cfg.PollInterval.Seconds(),
		PartnerWait:      cfg.PartnerWait.Seconds(),
	}
}

// JoinResult 加入結果
type JoinResult struct {
	RoomID      string       `json:"room_id"`
	IsInitiator bool         `json:"is_initiator"`
	Config      ClientConfig `json:"config"`
}

// EventView 單一事件的觀看者視圖
type EventView struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Body      string `json:"body,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Snapshot 房間對某位參與者的快照
type Snapshot struct {
	RoomID       string      `json:"room_id"`
	Participants []string    `json:"participants"` // 以 self/other 表示
	Created      string      `json:"created"`
	Modified     string      `json:"modified"`
	State        RoomState   `json:"state"`
	Events       []EventView `json:"events"`
	IsInitiator  bool        `json:"is_initiator"`
	// Closed 房間已釋放，或對方已離開（對話不會再有新訊息）
	Closed bool `json:"closed"`
	ClientConfig
}

// RoomSummary 房間列表項目
type RoomSummary struct {
	RoomID       string    `json:"room_id"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	State        RoomState `json:"state"`
	Participants int       `json:"participants"`
	Messages     int       `json:"messages"`
	Created      string    `json:"created"`
	Modified     string    `json:"modified"`
	Closed       bool      `json:"closed"`
	// Seats 各座位的輪詢紀錄（管理用，不含使用者 ID）
	Seats []SeatSummary `json:"seats"`
}

// SeatSummary 單一座位的輪詢狀況
//
// 在房間內的參與者取自輪詢紀錄，已離開者取自離開時保存的紀錄。
type SeatSummary struct {
	Seat      string `json:"seat"` // U1 發起者 / U2 配對者
	Present   bool   `json:"present"`
	PollCount int    `json:"poll_count"`
	LastPoll  string `json:"last_poll,omitempty"`
}

// RoomList 活躍與已釋放房間
type RoomList struct {
	Active   []RoomSummary `json:"active"`
	Released []RoomSummary `json:"released"`
}

func viewer(from, userID string) string {
	if from == userID {
		return FromSelf
	}
	return FromOther
}

// snapshot 建立快照（需持有房間鎖）
func (r *Room) snapshot(userID string, cfg ChatConfig) *Snapshot {
	s := &Snapshot{
		RoomID:       r.ID,
		Participants: make([]string, 0, len(r.Participants)),
		Created:      r.Created.Format(TimeLayout),
		Modified:     r.Modified.Format(TimeLayout),
		State:        r.State,
		Events:       make([]EventView, 0, len(r.Events)),
		IsInitiator:  r.Initiator == userID,
		Closed:       r.closed(),
		ClientConfig: newClientConfig(cfg),
	}
	// 房間建立時的實驗 ID 優先於目前設定
	s.ExperimentID = r.ExperimentID
	for _, p := range r.Participants {
		s.Participants = append(s.Participants, viewer(p.ID, userID))
	}
	for _, e := range r.Events {
		s.Events = append(s.Events, EventView{
			Type:      e.Type,
			From:      viewer(e.From, userID),
			Body:      e.Body,
			Timestamp: e.Timestamp.Format(TimeLayout),
		})
	}
	return s
}

// summary 建立列表項目（需持有房間鎖，已釋放房間除外）
func (r *Room) summary() RoomSummary {
	return RoomSummary{
		RoomID:       r.ID,
		ExperimentID: r.ExperimentID,
		State:        r.State,
		Participants: len(r.Participants),
		Messages:     r.messageCount(),
		Created:      r.Created.Format(TimeLayout),
		Modified:     r.Modified.Format(TimeLayout),
		Closed:       r.closed(),
		Seats:        r.seats(),
	}
}

// closed 房間已釋放，或有人離開
func (r *Room) closed() bool {
	return r.State == StateReleased || len(r.LeftParticipants) > 0
}

func (r *Room) seats() []SeatSummary {
	seats := make([]SeatSummary, 0, MaxParticipants)
	for _, p := range r.Participants {
		s := SeatSummary{
			Seat:      r.seatOf(p.ID),
			Present:   true,
			PollCount: len(r.PollLog[p.ID]),
		}
		if last, ok := r.lastPoll(p.ID); ok {
			s.LastPoll = last.Format(TimeLayout)
		}
		seats = append(seats, s)
	}
	for _, left := range r.LeftParticipants {
		s := SeatSummary{
			Seat:      r.seatOf(left.UserID),
			PollCount: left.PollCount,
		}
		if !left.LastPoll.IsZero() {
			s.LastPoll = left.LastPoll.Format(TimeLayout)
		}
		seats = append(seats, s)
	}
	slices.SortFunc(seats, func(a, b SeatSummary) int {
		return cmp.Compare(a.Seat, b.Seat)
	})
	return seats
}
