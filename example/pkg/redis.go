package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// NewRedisClient 返回自定义的Redis客户端对象
func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// BuildTXKey 构造事务分支状态 key, xidKey 为分支标识的十六进制编码
func BuildTXKey(rmID, xidKey string) string {
	return fmt.Sprintf("xaKey:%s:%s", rmID, xidKey)
}

// BuildTXDetailKey 构造事务分支冻结的业务键
func BuildTXDetailKey(rmID, xidKey string) string {
	return fmt.Sprintf("xaDetailKey:%s:%s", rmID, xidKey)
}

// BuildDataKey 构造业务数据的状态 key, 同一个业务键同一时间只能被一个分支冻结
func BuildDataKey(rmID, bizID string) string {
	return fmt.Sprintf("xaDataKey:%s:%s", rmID, bizID)
}

// BuildTXLockKey 构造事务分支锁 key
func BuildTXLockKey(rmID, xidKey string) string {
	return fmt.Sprintf("xaLockKey:%s:%s", rmID, xidKey)
}

// BuildIndexKey 已 prepare 的分支列表, 供 xa_recover 使用
func BuildIndexKey(rmID string) string {
	return fmt.Sprintf("xaIndexKey:%s", rmID)
}

// BuildIndexLockKey 修改分支列表时的锁 key
func BuildIndexLockKey(rmID string) string {
	return fmt.Sprintf("xaIndexLockKey:%s", rmID)
}
