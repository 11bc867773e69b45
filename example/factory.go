package example

import (
	"context"

	"github.com/demdxx/gocast"

	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/txmanager"
	"github.com/xiaoxuxiansheng/goxa/xa"
	"github.com/xiaoxuxiansheng/redis_lock"
)

// FactoryName 写入伙伴日志的工厂名
const FactoryName = "redis"

// NewFactory 恢复时按伙伴日志里的属性重新打开 RedisRM.
// client 为空时按属性里的 network / address / password 新建连接
func NewFactory(client *redis_lock.Client) txmanager.Factory {
	return txmanager.FactoryFunc{
		FactoryName: FactoryName,
		OpenFunc: func(ctx context.Context, props map[string]interface{}) (xa.Resource, error) {
			id := gocast.ToString(props["id"])
			if id == "" {
				return nil, xa.NewError(xa.ERINVAL, "redis rm without id")
			}
			c := client
			if c == nil {
				address := gocast.ToString(props["address"])
				if address == "" {
					return nil, xa.NewError(xa.ERINVAL, "redis rm %s without address", id)
				}
				network := gocast.ToString(props["network"])
				if network == "" {
					network = "tcp"
				}
				c = pkg.NewRedisClient(network, address, gocast.ToString(props["password"]))
			}
			return NewRedisRM(id, c), nil
		},
	}
}

// RecoveryInfo 登记到伙伴日志的恢复信息, 不包含密码
func RecoveryInfo(id, network, address string, priority int) *partner.XARecoveryWrapper {
	return partner.NewXARecoveryWrapper(FactoryName, map[string]interface{}{
		"id":       id,
		"network":  network,
		"address":  address,
		"priority": priority,
	})
}
