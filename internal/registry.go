package internal

import (
	"cmp"
	"slices"
	"sync"
)

// Registry 房間註冊表
//
// 系統設計考量：
//
//  1. 兩層鎖：
//     - 全域鎖 mu：保護 rooms / locks / released 三個 map 的結構，
//     以及加入時的重複分頁檢查
//     - 房間鎖 locks[id]：保護單一 Room 的欄位
//     順序固定為「全域 → 房間」，持有房間鎖時絕不取全域鎖
//
//  2. 輪詢與發訊息只在查表時短暫取全域讀鎖，等待期間不持有任何鎖，
//     所以長輪詢不會擋住加入或其他房間的操作
//
//  3. 釋放（released）：房間從 rooms 移到 released，鎖從 locks 刪除，
//     兩者在同一次全域寫鎖內完成，任何時刻都不會同時出現在兩邊
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room       // roomID -> 活躍房間
	locks    map[string]*sync.Mutex // roomID -> 房間鎖
	released map[string]*Room       // roomID -> 已釋放房間
	seq      uint64
}

// NewRegistry 創建註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		locks:    make(map[string]*sync.Mutex),
		released: make(map[string]*Room),
	}
}

// lookup 查詢活躍房間與其鎖（短暫持有全域讀鎖）
//
// 回傳後房間可能隨時被釋放；取得房間鎖後必須再檢查 Room.active()。
func (reg *Registry) lookup(roomID string) (*Room, *sync.Mutex, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return nil, nil, false
	}
	return room, reg.locks[roomID], true
}

// lookupLocked 同 lookup，呼叫端已持有全域鎖
func (reg *Registry) lookupLocked(roomID string) (*Room, *sync.Mutex, bool) {
	room, ok := reg.rooms[roomID]
	if !ok {
		return nil, nil, false
	}
	return room, reg.locks[roomID], true
}

// addLocked 註冊新房間與其鎖（需持有全域寫鎖）
func (reg *Registry) addLocked(room *Room) {
	reg.seq++
	room.seq = reg.seq
	reg.rooms[room.ID] = room
	reg.locks[room.ID] = &sync.Mutex{}
}

// releaseLocked 把房間移到 released 並丟棄其鎖（需持有全域寫鎖）
func (reg *Registry) releaseLocked(roomID string) {
	room, ok := reg.rooms[roomID]
	if !ok {
		return
	}
	delete(reg.rooms, roomID)
	delete(reg.locks, roomID)
	reg.released[roomID] = room
}

// roomLock 活躍房間與其鎖
type roomLock struct {
	room *Room
	mu   *sync.Mutex
}

// activeLocked 依建立順序列出活躍房間（需持有全域鎖）
func (reg *Registry) activeLocked() []roomLock {
	out := make([]roomLock, 0, len(reg.rooms))
	for id, room := range reg.rooms {
		out = append(out, roomLock{room: room, mu: reg.locks[id]})
	}
	slices.SortFunc(out, func(a, b roomLock) int {
		return cmp.Compare(a.room.seq, b.room.seq)
	})
	return out
}

// List 活躍與已釋放房間摘要
func (reg *Registry) List() RoomList {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	list := RoomList{
		Active:   make([]RoomSummary, 0, len(reg.rooms)),
		Released: make([]RoomSummary, 0, len(reg.released)),
	}

	for _, rl := range reg.activeLocked() {
		rl.mu.Lock()
		list.Active = append(list.Active, rl.room.summary())
		rl.mu.Unlock()
	}

	// 已釋放房間不再被修改，不需要房間鎖
	released := make([]*Room, 0, len(reg.released))
	for _, room := range reg.released {
		released = append(released, room)
	}
	slices.SortFunc(released, func(a, b *Room) int {
		return cmp.Compare(a.seq, b.seq)
	})
	for _, room := range released {
		list.Released = append(list.Released, room.summary())
	}

	return list
}

// RoomCounts 各狀態的房間數與在線人數
type RoomCounts struct {
	Open     int `json:"open_rooms"`
	Paired   int `json:"paired_rooms"`
	Released int `json:"released_rooms"`
	Users    int `json:"active_users"`
}

// Counts 統計房間數
func (reg *Registry) Counts() RoomCounts {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	c := RoomCounts{Released: len(reg.released)}
	for _, rl := range reg.activeLocked() {
		withRoom(rl.mu, func() {
			if rl.room.State == StateOpen {
				c.Open++
			} else {
				c.Paired++
			}
			c.Users += len(rl.room.Participants)
		})
	}
	return c
}
