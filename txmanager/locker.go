package txmanager

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// Locker 多个 TX Manager 实例共享同一份恢复日志时, 异步轮询任务需要的分布式锁
// 1. 每一轮轮询开始前加锁, 结束后解锁
// 2. 加锁失败说明其他实例正在处理, 本轮直接跳过
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RedisLocker 基于 redis 分布式锁实现的 Locker
type RedisLocker struct {
	client *redis_lock.Client
	key    string

	mu   sync.Mutex
	lock *redis_lock.RedisLock
}

// DefaultLockKey 轮询任务使用的默认锁 key
const DefaultLockKey = "goxa:recovery:lock"

// NewRedisLocker key 为空时使用 DefaultLockKey
func NewRedisLocker(client *redis_lock.Client, key string) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLocker{client: client, key: key}
}

func (r *RedisLocker) Lock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(r.key, r.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.lock = lock
	r.mu.Unlock()
	return nil
}

func (r *RedisLocker) Unlock(ctx context.Context) error {
	r.mu.Lock()
	lock := r.lock
	r.lock = nil
	r.mu.Unlock()
	if lock == nil {
		return nil
	}
	return lock.Unlock(ctx)
}
