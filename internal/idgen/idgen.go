package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// beginTimestamp 全局ID的纪元锚点，2022-01-01 00:00:00 UTC
	// 一经选定不可再改：改动会让已发出的ID在排序上整体前移或后移
	beginTimestamp int64 = 1640995200

	// countBits 每日序列号占用的位数
	countBits = 32
)

// IDGenerator 基于Redis自增的全局唯一ID生成器
// 高32位是相对纪元的秒级时间戳，低32位是按(前缀,日期)自增的序列号
// 同一前缀每天最多发出2^32个ID；时钟回拨期间只保证唯一，不保证严格递增
type IDGenerator struct {
	client *redis.Client
	ctx    context.Context
}

func NewIDGenerator(client *redis.Client) *IDGenerator {
	return &IDGenerator{
		client: client,
		ctx:    context.Background(),
	}
}

// NextID 生成一个新的全局ID
// 除Redis自增本身的延迟外不会因竞争而阻塞
func (g *IDGenerator) NextID(prefix string) (int64, error) {
	now := time.Now().UTC()

	seq, err := g.client.Incr(g.ctx, dailyKey(prefix, now)).Result()
	if err != nil {
		return 0, fmt.Errorf("生成 %s 序列号失败: %w", prefix, err)
	}

	return composeID(now.Unix(), seq), nil
}

// composeID 拼接时间戳与序列号
func composeID(nowEpochSecond, seq int64) int64 {
	return (nowEpochSecond-beginTimestamp)<<countBits | seq
}

// dailyKey 序列号计数器的键，按前缀和日历日切分
func dailyKey(prefix string, now time.Time) string {
	return fmt.Sprintf("icr:%s:%s", prefix, now.Format("2006:01:02"))
}
