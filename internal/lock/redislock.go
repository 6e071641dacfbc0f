package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 释放锁的Lua脚本：令牌匹配才删除，比较和删除在一条原子操作内完成
// 先GET再DEL的两步写法有竞态：锁过期后被他人获取，本方会删掉别人的锁
const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// RedisLock 基于单个Redis节点的持有者令牌锁
// 每次获取生成独立的uuid令牌，释放时校验令牌归属
type RedisLock struct {
	client *redis.Client
	ctx    context.Context
	mu     sync.Mutex        // 保护locks
	locks  map[string]string // key是锁名，value是本实例持有的令牌
}

// NewRedisLock 创建新的Redis锁客户端，复用已有的数据节点连接
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client: client,
		ctx:    context.Background(),
		locks:  make(map[string]string),
	}
}

// TryAcquire 尝试获取分布式锁
// 使用SETNX抢占，带TTL防止持有者崩溃后锁被永久占用
// TTL必须明显大于临界区的预期耗时，否则锁可能在持有期间被他人抢走
func (r *RedisLock) TryAcquire(lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	_, held := r.locks[lockName]
	r.mu.Unlock()
	if held {
		// 本实例还记着这把锁（即使Redis侧TTL可能已过期）时视为竞争失败。
		// 此时若允许重新获取，新令牌会覆盖旧持有者的记录，旧持有者迟到的
		// Release就会拿着新令牌把新持有者的锁删掉
		return false, nil
	}

	token := uuid.NewString()

	ok, err := r.client.SetNX(r.ctx, lockName, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取锁 %s 失败: %w", lockName, err)
	}
	if !ok {
		// 锁被占用是正常的竞争结果，不是错误
		return false, nil
	}

	r.mu.Lock()
	r.locks[lockName] = token
	r.mu.Unlock()
	return true, nil
}

// Release 释放分布式锁，令牌不匹配时脚本返回0，视为无事发生
func (r *RedisLock) Release(lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	if exists {
		delete(r.locks, lockName)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	if err := r.client.Eval(r.ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
		return fmt.Errorf("释放锁 %s 失败: %w", lockName, err)
	}
	return nil
}

// ReleaseAll 释放本实例持有的所有锁
func (r *RedisLock) ReleaseAll() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		if err := r.client.Eval(r.ctx, unlockScript, []string{name}, token).Err(); err != nil {
			log.Printf("释放锁 %s 失败: %v", name, err)
		}
	}
}

// Close 关闭锁客户端，连接由外部注入，这里只做锁清理
func (r *RedisLock) Close() error {
	r.ReleaseAll()
	return nil
}
