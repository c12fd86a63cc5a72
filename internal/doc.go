// Package internal 實作匿名雙人聊天的配對服務。
//
// 使用者加入後會被配到一個等待中的房間，或自己開一個新房間等人；
// 兩人配對完成後透過長輪詢（或 WebSocket）取得房間變化，
// 最後一位離開時房間結束並寫成逐字稿。
//
// # 房間生命週期
//
//	open ──第二位加入──▶ paired ──兩人都離開──▶ released
//	  └──────────唯一的參與者離開──────────────┘
//
// paired 不會退回 open：一方離開後，另一方看到的快照 closed 為 true。
// released 的房間只出現在列表中，不能再輪詢或發訊息。
//
// # 併發控制
//
// 兩層鎖：
//   - Registry 的 RWMutex 保護房間表，加入、離開、清理時持寫鎖
//   - 每個房間一把 Mutex 保護房間內容
//
// 取鎖順序固定為全域 → 房間。輪詢只在查表時短暫持有讀鎖，
// 等待期間不持有任何鎖；歸檔 I/O 與事件發布都在鎖外進行。
//
// # 使用範例
//
//	cfg, _ := internal.LoadConfig("config.yaml")
//	archiver := archive.New(logger, archive.NewFileSink(cfg.Archive.Dir, loc))
//	broker := internal.NewBroker(cfg, archiver, logger)
//	defer broker.Stop()
//
//	mux := http.NewServeMux()
//	mux.Handle("/", internal.NewHandler(broker, logger).Routes())
//	mux.HandleFunc("GET /ws/rooms/{room_id}", internal.NewWatchHub(broker, logger).ServeWS)
//
// 客戶端流程：
//
//	POST /api/v1/join                      {"user_id": "u1"}
//	GET  /api/v1/rooms/{room_id}/poll      ?user_id=u1&since=<modified>
//	POST /api/v1/rooms/{room_id}/messages  {"user_id": "u1", "body": "..."}
//	POST /api/v1/rooms/{room_id}/leave     {"user_id": "u1"}
//
// 輪詢逾時沒有變化時回 204，客戶端帶著同一個 since 再輪詢即可。
package internal
