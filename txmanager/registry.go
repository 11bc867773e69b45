package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// TX Manager 中的资源工厂注册中心
// 1. 通过 map 保存工厂名到 Factory 的映射
// 2. 通过读写锁 mux 保护 map 的并发安全性
// 3. 恢复和重连时根据伙伴日志中的工厂名找到 Factory, 重新打开资源管理器连接

// Factory 根据连接属性打开一个资源管理器连接
type Factory interface {
	// Name 写入伙伴日志的工厂名, 全局唯一
	Name() string
	Open(ctx context.Context, props map[string]interface{}) (xa.Resource, error)
}

// FactoryFunc 把函数适配成 Factory
type FactoryFunc struct {
	FactoryName string
	OpenFunc    func(ctx context.Context, props map[string]interface{}) (xa.Resource, error)
}

func (f FactoryFunc) Name() string {
	return f.FactoryName
}

func (f FactoryFunc) Open(ctx context.Context, props map[string]interface{}) (xa.Resource, error) {
	return f.OpenFunc(ctx, props)
}

type registryCenter struct {
	mux       sync.RWMutex
	factories map[string]Factory
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		factories: make(map[string]Factory),
	}
}

// register 工厂名不能重复
func (r *registryCenter) register(factory Factory) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.factories[factory.Name()]; ok {
		return errors.New("repeat factory name")
	}
	r.factories[factory.Name()] = factory
	return nil
}

func (r *registryCenter) getFactory(name string) (Factory, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, name)
	}
	return factory, nil
}

// open 按伙伴日志中的恢复信息打开连接
func (r *registryCenter) open(ctx context.Context, w *partner.XARecoveryWrapper) (xa.Resource, error) {
	factory, err := r.getFactory(w.FactoryName)
	if err != nil {
		return nil, err
	}
	return factory.Open(ctx, w.Properties)
}
