package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/flashvoucher/config"
	"github.com/lvdashuaibi/flashvoucher/internal/lock"
	"github.com/lvdashuaibi/flashvoucher/internal/metrics"
	"github.com/lvdashuaibi/flashvoucher/internal/model"
)

// CacheClient 缓存读取客户端，提供两种防击穿策略
// 重建工作池在构造时启动，进程退出前必须调用Shutdown排空在途任务
type CacheClient struct {
	client  *redis.Client
	ctx     context.Context
	locker  lock.DistributedLock
	lockTTL time.Duration
	nullTTL time.Duration

	tasks    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex // 保护closed
	closed   bool
}

// NewCacheClient 创建缓存客户端并启动固定大小的重建工作池
func NewCacheClient(client *redis.Client, locker lock.DistributedLock, cfg *config.CacheConfig) *CacheClient {
	c := &CacheClient{
		client:  client,
		ctx:     context.Background(),
		locker:  locker,
		lockTTL: cfg.RebuildLockTTL,
		nullTTL: cfg.NullTTL,
		tasks:   make(chan func(), cfg.RebuildWorkers*4),
	}

	for i := 0; i < cfg.RebuildWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for task := range c.tasks {
				task()
			}
		}()
	}

	return c
}

// Shutdown 停止接收新的重建任务并等待在途任务完成
func (c *CacheClient) Shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.tasks)
	})
	c.wg.Wait()
}

// Set 写入普通缓存
func (c *CacheClient) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}
	if err := c.client.Set(c.ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存 %s 失败: %w", key, err)
	}
	return nil
}

// SetWithLogicalExpire 写入带逻辑过期时间的缓存
// 键本身不设TTL，预热后读取方永远不会遇到硬未命中
func (c *CacheClient) SetWithLogicalExpire(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}

	wrapped := model.RedisData{
		Data:       data,
		ExpireTime: time.Now().Add(ttl),
	}
	payload, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("序列化逻辑过期包装失败: %w", err)
	}

	if err := c.client.Set(c.ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("写入缓存 %s 失败: %w", key, err)
	}
	return nil
}

// Delete 删除缓存键（写后失效）
func (c *CacheClient) Delete(key string) error {
	if err := c.client.Del(c.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除缓存 %s 失败: %w", key, err)
	}
	return nil
}

// cacheKey 缓存键与重建锁名共用同一份前缀定义
func cacheKey(prefix string, id int64) string {
	return fmt.Sprintf("%s:%d", prefix, id)
}

// QueryWithPassThrough 旁路缓存读取，空值缓存防穿透
// 未命中时回源加载；源中不存在则缓存空串哨兵，短TTL内相同key的
// 重复未命中不会再打到源
func QueryWithPassThrough[T any](c *CacheClient, prefix string, id int64, ttl time.Duration, dbFallback func(int64) (*T, error)) (*T, error) {
	key := cacheKey(prefix, id)

	data, err := c.client.Get(c.ctx, key).Result()
	if err == nil {
		if data == "" {
			// 命中空值哨兵，源中确认不存在
			return nil, nil
		}
		var value T
		if err := json.Unmarshal([]byte(data), &value); err != nil {
			return nil, fmt.Errorf("解析缓存 %s 失败: %w", key, err)
		}
		return &value, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("读取缓存 %s 失败: %w", key, err)
	}

	// 缓存未命中，回源
	value, err := dbFallback(id)
	if err != nil {
		return nil, err
	}

	if value == nil {
		// 源中不存在，缓存空值哨兵
		if err := c.client.Set(c.ctx, key, "", c.nullTTL).Err(); err != nil {
			log.Printf("写入空值缓存 %s 失败: %v", key, err)
		}
		return nil, nil
	}

	if err := c.Set(key, value, ttl); err != nil {
		log.Printf("更新缓存 %s 失败: %v", key, err)
	}

	return value, nil
}

// QueryWithLogicalExpire 逻辑过期读取，后台重建防击穿
// 逻辑过期后依然立刻返回旧值（可用的旧值优于不可用），仅抢到重建锁的
// 一个调用方会触发一次异步重建，其余调用方直接拿旧值走人
func QueryWithLogicalExpire[T any](c *CacheClient, prefix string, id int64, ttl time.Duration, dbFallback func(int64) (*T, error)) (*T, error) {
	key := cacheKey(prefix, id)

	payload, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// 逻辑过期策略要求预热，未预热的key视为不存在
			return nil, nil
		}
		return nil, fmt.Errorf("读取缓存 %s 失败: %w", key, err)
	}

	var wrapped model.RedisData
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		return nil, fmt.Errorf("解析逻辑过期包装 %s 失败: %w", key, err)
	}

	var value T
	if err := json.Unmarshal(wrapped.Data, &value); err != nil {
		return nil, fmt.Errorf("解析缓存 %s 失败: %w", key, err)
	}

	if time.Now().Before(wrapped.ExpireTime) {
		// 未过期，直接返回
		return &value, nil
	}

	// 已过期：尝试获取重建锁，抢到的调用方提交异步重建任务
	lockName := lock.Key(prefix, id)
	acquired, err := c.locker.TryAcquire(lockName, c.lockTTL)
	if err != nil {
		log.Printf("获取缓存重建锁 %s 失败: %v", lockName, err)
	}

	if acquired {
		c.submitRebuild(key, lockName, func() error {
			fresh, err := dbFallback(id)
			if err != nil {
				return err
			}
			if fresh == nil {
				return c.Delete(key)
			}
			return c.SetWithLogicalExpire(key, fresh, ttl)
		})
	}

	// 无论是否抢到锁，都返回旧值
	return &value, nil
}

// submitRebuild 提交重建任务，工作池繁忙时放弃本次重建并立即归还锁
func (c *CacheClient) submitRebuild(key, lockName string, rebuild func() error) {
	task := func() {
		defer func() {
			if err := c.locker.Release(lockName); err != nil {
				log.Printf("释放缓存重建锁 %s 失败: %v", lockName, err)
			}
		}()
		metrics.CacheRebuildTotal.Inc()
		if err := rebuild(); err != nil {
			log.Printf("重建缓存 %s 失败: %v", key, err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		if err := c.locker.Release(lockName); err != nil {
			log.Printf("释放缓存重建锁 %s 失败: %v", lockName, err)
		}
		return
	}

	select {
	case c.tasks <- task:
	default:
		log.Printf("缓存重建工作池已满，跳过本次重建: %s", key)
		if err := c.locker.Release(lockName); err != nil {
			log.Printf("释放缓存重建锁 %s 失败: %v", lockName, err)
		}
	}
}
