package lock

import (
	"fmt"
	"time"
)

// DistributedLock 分布式锁接口
// 获取锁是非阻塞的，竞争失败返回false而不是错误，重试策略由调用方决定
type DistributedLock interface {
	// TryAcquire 尝试获取分布式锁，不排队不重试
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	TryAcquire(lockName string, ttl time.Duration) (bool, error)

	// Release 释放分布式锁
	// 只有锁里保存的持有者令牌与本实例记录的令牌一致时才会删除，防止误删他人的锁
	Release(lockName string) error

	// ReleaseAll 释放本实例持有的所有锁
	ReleaseAll()

	// Close 关闭分布式锁客户端
	Close() error
}

// Key 构造锁名，锁的获取与释放必须使用同一处定义，避免键格式漂移
func Key(domain string, id int64) string {
	return fmt.Sprintf("lock:%s:%d", domain, id)
}
