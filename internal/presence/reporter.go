// Package presence 把中繼實例的負載回報到 Redis
//
// 每個實例定期寫入一個 hash：
//
//	pong42:relay:<instance> → {rooms, connections, updated_at}
//
// TTL 是回報間隔的 3 倍：實例崩潰後記錄會自然過期，
// 前端或負載平衡器只需要掃描 key 前綴就能找到存活的實例。
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Load 一個實例的負載
type Load struct {
	Instance    string    `json:"instance"`
	Rooms       int       `json:"rooms"`
	Connections int       `json:"connections"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LoadFunc 取得目前負載
type LoadFunc func() (rooms, connections int)

// Reporter 負載回報器
type Reporter struct {
	client   redis.Cmdable
	prefix   string
	instance string
	interval time.Duration
	load     LoadFunc
	logger   *slog.Logger
}

// NewReporter 創建回報器
func NewReporter(client redis.Cmdable, prefix, instance string, interval time.Duration, load LoadFunc, logger *slog.Logger) *Reporter {
	return &Reporter{
		client:   client,
		prefix:   prefix,
		instance: instance,
		interval: interval,
		load:     load,
		logger:   logger,
	}
}

// Key 這個實例的 hash key
func (r *Reporter) Key() string {
	return fmt.Sprintf("%s:%s", r.prefix, r.instance)
}

// Report 寫入一次負載
func (r *Reporter) Report(ctx context.Context) error {
	rooms, conns := r.load()
	key := r.Key()

	// HSET 與 EXPIRE 用 pipeline 一次送出
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key,
		"rooms", rooms,
		"connections", conns,
		"updated_at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, 3*r.interval)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("report load: %w", err)
	}
	return nil
}

// Remove 刪除這個實例的記錄（正常關閉時）
func (r *Reporter) Remove(ctx context.Context) error {
	if err := r.client.Del(ctx, r.Key()).Err(); err != nil {
		return fmt.Errorf("remove load: %w", err)
	}
	return nil
}

// Run 定期回報直到 ctx 取消，結束時刪除記錄
//
// 回報失敗只記錄日誌：Redis 暫時不可用不影響中繼。
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reportOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.reportOnce(ctx)
		case <-ctx.Done():
			removeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Remove(removeCtx); err != nil {
				r.logger.Warn("刪除負載記錄失敗", "key", r.Key(), "error", err)
			}
			return
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	if err := r.Report(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("回報負載失敗", "key", r.Key(), "error", err)
	}
}

// Instances 列出所有存活實例的負載
func Instances(ctx context.Context, client redis.Cmdable, prefix string) ([]Load, error) {
	var (
		cursor uint64
		loads  []Load
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan instances: %w", err)
		}

		for _, key := range keys {
			fields, err := client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", key, err)
			}
			if len(fields) == 0 {
				continue // 在 SCAN 與 HGETALL 之間過期
			}
			loads = append(loads, parseLoad(key[len(prefix)+1:], fields))
		}

		cursor = next
		if cursor == 0 {
			return loads, nil
		}
	}
}

func parseLoad(instance string, fields map[string]string) Load {
	rooms, _ := strconv.Atoi(fields["rooms"])
	conns, _ := strconv.Atoi(fields["connections"])
	ms, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return Load{
		Instance:    instance,
		Rooms:       rooms,
		Connections: conns,
		UpdatedAt:   time.UnixMilli(ms),
	}
}
