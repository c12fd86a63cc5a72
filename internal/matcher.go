package internal

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ku-nlp/ChatCollectionFramework/internal/notify"
	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
)

// Compatibility 判斷新加入者能否與等待中的使用者配對
type Compatibility func(newcomer, waiting User) bool

// AlwaysCompatible 任何人都能配對
func AlwaysCompatible(User, User) bool { return true }

// AttributeMatch 指定屬性的值必須相同才能配對
//
// 兩邊都沒有設定某個屬性時視為相同。
func AttributeMatch(keys ...string) Compatibility {
	return func(newcomer, waiting User) bool {
		for _, k := range keys {
			if newcomer.Attributes[k] != waiting.Attributes[k] {
				return false
			}
		}
		return true
	}
}

// Matcher 配對器
//
// 整個 Join 持有全域寫鎖，所以「檢查重複分頁」與「加入房間」之間
// 不會有其他人插隊：同一個 session 不會同時進入兩個房間，
// 一個房間也不會被兩位新加入者同時選中。
type Matcher struct {
	registry   *Registry
	cfg        ChatConfig
	compatible Compatibility
	clock      Clock
	newID      func() string
}

// NewMatcher 創建配對器
func NewMatcher(registry *Registry, cfg ChatConfig, compatible Compatibility, clock Clock) *Matcher {
	if compatible == nil {
		compatible = AlwaysCompatible
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Matcher{
		registry:   registry,
		cfg:        cfg,
		compatible: compatible,
		clock:      clock,
		newID:      uuid.NewString,
	}
}

// joinOutcome 加入結果與需要發布的生命週期事件
type joinOutcome struct {
	result       JoinResult
	lifecycle    string // 空字串表示重複加入同一房間
	participants int
	experimentID string
}

// sessionKey 分頁 ID 中代表瀏覽器 session 的部分
func (m *Matcher) sessionKey(userID string) string {
	key, _, _ := strings.Cut(userID, m.cfg.TabDelimiter)
	return key
}

// Join 把使用者放進最早建立的可配對房間，沒有則新開一間
func (m *Matcher) Join(u User) (*joinOutcome, error) {
	reg := m.registry
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var (
		existing  *Room
		duplicate bool
		best      *roomLock
	)

	key := m.sessionKey(u.ID)
	rooms := reg.activeLocked()
	for i := range rooms {
		rl := &rooms[i]
		withRoom(rl.mu, func() {
			room := rl.room
			if room.hasParticipant(u.ID) {
				existing = room
				return
			}
			if m.cfg.CheckUniqueTab {
				for _, p := range room.Participants {
					if m.sessionKey(p.ID) == key {
						duplicate = true
						return
					}
				}
			}
			if room.State != StateOpen || len(room.Participants) >= MaxParticipants {
				return
			}
			if !m.compatible(u, room.Participants[0]) {
				return
			}
			if best == nil || room.Created.Before(best.room.Created) ||
				(room.Created.Equal(best.room.Created) && room.seq < best.room.seq) {
				best = rl
			}
		})
		if existing != nil {
			break
		}
	}

	now := m.clock.Now()

	switch {
	case existing != nil:
		var out *joinOutcome
		withRoom(reg.locks[existing.ID], func() {
			out = m.outcome(existing, u.ID, "")
		})
		return out, nil

	case duplicate:
		return nil, apperrors.ErrDuplicateSession.WithDetails(key)

	case best != nil:
		var out *joinOutcome
		withRoom(best.mu, func() {
			best.room.addParticipant(u, now)
			out = m.outcome(best.room, u.ID, notify.EventRoomPaired)
		})
		return out, nil
	}

	room := newRoom(m.newID(), m.cfg.ExperimentID, u, now)
	reg.addLocked(room)
	return m.outcome(room, u.ID, notify.EventRoomCreated), nil
}

func (m *Matcher) outcome(room *Room, userID, lifecycle string) *joinOutcome {
	cfg := newClientConfig(m.cfg)
	if room.State == StatePaired {
		// 對方已在房間內，不需要等待
		cfg.PartnerWait = 0
	}
	return &joinOutcome{
		result: JoinResult{
			RoomID:      room.ID,
			IsInitiator: room.Initiator == userID,
			Config:      cfg,
		},
		lifecycle:    lifecycle,
		participants: len(room.Participants),
		experimentID: room.ExperimentID,
	}
}

// withRoom 持有房間鎖執行 fn，fn panic 時也會釋放鎖
func withRoom(mu *sync.Mutex, fn func()) {
	mu.Lock()
	defer mu.Unlock()
	fn()
}
