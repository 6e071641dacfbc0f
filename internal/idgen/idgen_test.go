package idgen

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeID(t *testing.T) {
	t.Run("时间戳占高位序列号占低32位", func(t *testing.T) {
		id := composeID(beginTimestamp+1, 5)
		assert.Equal(t, int64(1)<<countBits|5, id)
	})

	t.Run("纪元起点的第一个ID就是序列号本身", func(t *testing.T) {
		assert.Equal(t, int64(1), composeID(beginTimestamp, 1))
	})

	t.Run("ID按生成时间单调递增", func(t *testing.T) {
		earlier := composeID(beginTimestamp+100, 999999)
		later := composeID(beginTimestamp+101, 1)
		assert.Greater(t, later, earlier)
	})

	t.Run("纪元锚点固定在2022年元旦", func(t *testing.T) {
		anchor := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, anchor.Unix(), beginTimestamp)
	})
}

func TestDailyKey(t *testing.T) {
	now := time.Date(2026, 8, 30, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, "icr:order:2026:08:30", dailyKey("order", now))

	// 跨日后计数器换键，序列号从头开始
	nextDay := now.Add(24 * time.Hour)
	assert.NotEqual(t, dailyKey("order", now), dailyKey("order", nextDay))
}

// 集成测试，需要本地Redis，通过REDIS_ADDR环境变量开启
func TestNextIDIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置REDIS_ADDR，跳过Redis集成测试")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis不可用: %v", err)
	}
	defer client.Close()

	// 每次运行用独立前缀，避免与历史计数器互相污染
	prefix := time.Now().Format("order.test.150405.000000")
	gen := NewIDGenerator(client)
	defer client.Del(context.Background(), dailyKey(prefix, time.Now().UTC()))

	const total = 10000
	const workers = 50

	ids := make(chan int64, total)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < total/workers; j++ {
				id, err := gen.NextID(prefix)
				if err != nil {
					t.Errorf("生成ID失败: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, total)
	for id := range ids {
		require.False(t, seen[id], "ID %d 重复", id)
		seen[id] = true
	}
	assert.Len(t, seen, total)
}
