// Package gamerelay 是 Pong42 的即時中繼與大規模 NPC 物理核心。
//
// 中繼服務本身不理解遊戲：它只把房間內某個連接送來的訊息
// 轉發給其他參與者，並維護「誰是房主」這一件事。遊戲權威在房主客戶端。
// 唯一的例外是大規模（mass）模式：42 個子對局在伺服器端以固定 tick
// 推進，玩家可以接管其中一個子對局的球拍，或對其他子對局發動攻擊。
//
// # 房間管理
//
// 提供完整的房間生命週期：
//   - 以房間代碼加入，第一個加入者成為房主
//   - 房主離開時依加入順序移交
//   - 倒數與開始遊戲只接受房主的訊息
//   - 空房間立即銷毀，另有定期清理作為保險
//
// # WebSocket 通訊
//
// 每個連接兩個 goroutine（readPump/writePump）：
//   - 心跳檢測（Ping/Pong）
//   - 非阻塞發送，慢客戶端丟棄訊息而不是拖住房間
//   - 格式錯誤的訊息只記錄，不斷開連接
//
// # 大規模模式
//
// 房間有固定數量的子對局槽位，空位由 NPC 編排服務建立背景模擬：
//   - 物理引擎與 AI 球拍是確定性的（給定種子）
//   - 每批推進多個 tick 後廣播一次狀態
//   - NPC 得分達到上限即淘汰該槽位，最後存活者獲勝
//
// # 架構
//
//   - cmd/relay：WebSocket 中繼服務
//   - cmd/npc-manager：NPC 模擬編排服務（HTTP）
//   - internal/room：房間、房主移交、大規模子對局
//   - internal/relay：WebSocket 連接與 HTTP 端點
//   - internal/physics：物理引擎與 AI
//   - internal/npc：編排服務與其客戶端
//   - internal/events：房間事件（NATS）
//   - internal/presence：實例負載回報（Redis）
//
// # 配置
//
// 配置來自 YAML 檔（-config）與環境變數覆蓋：
//   - RELAY_PORT：中繼服務端口
//   - NPC_MANAGER_URL：編排服務位址，空表示不建立 NPC 模擬
//   - NATS_URL：房間事件發布，空表示不發布
//   - REDIS_ADDR：負載回報，空表示不回報
//   - LOG_LEVEL：日誌級別（debug/info/warn/error）
//
// 客戶端連接：
//
//	ws://localhost:8080/ws
//	→ {"type":"join-room","roomId":"000042","mode":"duel"}
//	← {"type":"room-joined","roomId":"000042","role":"leader",...}
package gamerelay
