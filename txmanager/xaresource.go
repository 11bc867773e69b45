package txmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// XAResource 两阶段提交的 XA 资源
// 1. prepare 前保证伙伴日志已经记录了重连信息
// 2. commit/rollback/forget 遇到 XAER_RMFAIL 时按伙伴日志重连一次再重试
// 3. 恢复出来的资源没有连接, 第一次调用时重连
type XAResource struct {
	mu sync.Mutex

	driver    xa.Resource
	xid       xa.Xid
	entry     *partner.LogData
	factories *registryCenter
	metrics   *txMetrics

	status heuristic.Outcome
	// 恢复或重连时打开的连接, Destroy 时关闭
	opened    xa.Resource
	destroyed bool
	// 从事务日志恢复
	recovered bool
}

// newXAResource 登记时创建, 伙伴条目引用计数加一
func newXAResource(driver xa.Resource, xid xa.Xid, entry *partner.LogData, factories *registryCenter, metrics *txMetrics) *XAResource {
	entry.IncrementCount()
	return &XAResource{
		driver:    driver,
		xid:       xid,
		entry:     entry,
		factories: factories,
		metrics:   metrics,
		status:    heuristic.Registered,
	}
}

// recoveredXAResource 从事务日志恢复, 处于 PREPARED, 没有连接
func recoveredXAResource(xid xa.Xid, entry *partner.LogData, factories *registryCenter, metrics *txMetrics) *XAResource {
	r := newXAResource(nil, xid, entry, factories, metrics)
	r.status = heuristic.Prepared
	r.recovered = true
	return r
}

func (r *XAResource) XID() xa.Xid {
	return r.xid
}

func (r *XAResource) RecoveryID() int64 {
	return r.entry.RecoveryID()
}

func (r *XAResource) Recovered() bool {
	return r.recovered
}

func (r *XAResource) Status() heuristic.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *XAResource) SetStatus(status heuristic.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Priority 伙伴信息中的 priority 属性, 未还原时为 0
func (r *XAResource) Priority() int {
	if w, ok := r.entry.Wrapper().(*partner.XARecoveryWrapper); ok {
		return w.Priority()
	}
	return 0
}

// Describe 以伙伴描述为准, 驱动本身不一定可读
func (r *XAResource) Describe() string {
	return fmt.Sprintf("%s xid=%s", r.entry.Describe(), r.xid)
}

func (r *XAResource) Start(ctx context.Context, flags xa.Flags) error {
	d, err := r.connection(ctx)
	if err != nil {
		return err
	}
	return asXAError(d.Start(ctx, r.xid, flags), xa.ERRMFAIL, "start %s", r.xid)
}

func (r *XAResource) End(ctx context.Context, flags xa.Flags) error {
	d, err := r.connection(ctx)
	if err != nil {
		return err
	}
	return asXAError(d.End(ctx, r.xid, flags), xa.ERRMFAIL, "end %s", r.xid)
}

// Prepare XA_OK 投提交票, XA_RDONLY 投只读票并立即释放
func (r *XAResource) Prepare(ctx context.Context) (xa.Vote, error) {
	if err := r.entry.LogRecoveryEntry(ctx); err != nil {
		return xa.VoteRollback, xa.WrapError(xa.ERINVAL, err, "log partner %d", r.entry.Index())
	}
	d, err := r.connection(ctx)
	if err != nil {
		return xa.VoteRollback, err
	}
	code, err := d.Prepare(ctx, r.xid)
	if err != nil {
		return xa.VoteRollback, asXAError(err, xa.ERRMERR, "prepare %s", r.xid)
	}
	switch code {
	case xa.OK:
		return xa.VoteCommit, nil
	case xa.RDONLY:
		r.Destroy()
		return xa.VoteReadOnly, nil
	}
	return xa.VoteRollback, xa.NewError(xa.ERPROTO, "unexpected prepare result %s", code)
}

func (r *XAResource) Commit(ctx context.Context) error {
	return r.call(ctx, "commit", func(d xa.Resource) error {
		return d.Commit(ctx, r.xid, false)
	})
}

func (r *XAResource) CommitOnePhase(ctx context.Context) error {
	return r.call(ctx, "commit one phase", func(d xa.Resource) error {
		return d.Commit(ctx, r.xid, true)
	})
}

func (r *XAResource) Rollback(ctx context.Context) error {
	return r.call(ctx, "rollback", func(d xa.Resource) error {
		return d.Rollback(ctx, r.xid)
	})
}

func (r *XAResource) Forget(ctx context.Context) error {
	return r.call(ctx, "forget", func(d xa.Resource) error {
		return d.Forget(ctx, r.xid)
	})
}

// call 遇到 XAER_RMFAIL 时重连一次再重试
func (r *XAResource) call(ctx context.Context, op string, fn func(d xa.Resource) error) error {
	d, err := r.connection(ctx)
	if err != nil {
		return err
	}
	err = asXAError(fn(d), xa.ERRMFAIL, "%s %s", op, r.xid)
	if code, _ := xa.CodeOf(err); code != xa.ERRMFAIL {
		return err
	}

	log.WarnContextf(ctx, "resource manager failed, reconnecting, op: %s, resource: %s, err: %v", op, r.Describe(), err)
	if d, err = r.reconnect(ctx); err != nil {
		return err
	}
	return asXAError(fn(d), xa.ERRMFAIL, "%s %s", op, r.xid)
}

func (r *XAResource) connection(ctx context.Context) (xa.Resource, error) {
	r.mu.Lock()
	d := r.driver
	r.mu.Unlock()
	if d != nil {
		return d, nil
	}
	return r.reconnect(ctx)
}

// reconnect 通过伙伴日志中的工厂名和属性打开新连接.
// 伙伴条目还没有还原时返回 XA_RETRY, 重连时的 XAER_RMERR 降级为 XAER_RMFAIL.
func (r *XAResource) reconnect(ctx context.Context) (xa.Resource, error) {
	w := r.entry.Wrapper()
	if w == nil {
		return nil, xa.NewError(xa.RETRY, "partner %d not deserialized", r.entry.Index())
	}
	xw, ok := w.(*partner.XARecoveryWrapper)
	if !ok {
		return nil, xa.NewError(xa.ERINVAL, "partner %d is not an xa resource: %s", r.entry.Index(), w.Describe())
	}

	d, err := r.factories.open(ctx, xw)
	r.metrics.recordReconnect(ctx, xw.FactoryName, err == nil)
	if err != nil {
		if code, ok := xa.CodeOf(err); ok && code != xa.ERRMERR {
			return nil, err
		}
		return nil, xa.WrapError(xa.ERRMFAIL, err, "reconnect %s", xw.Describe())
	}

	r.mu.Lock()
	old := r.opened
	r.driver, r.opened = d, d
	r.mu.Unlock()
	closeResource(old)
	return d, nil
}

// Destroy 关闭恢复时打开的连接并释放伙伴条目的引用
func (r *XAResource) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	opened := r.opened
	r.opened = nil
	r.mu.Unlock()

	closeResource(opened)
	r.entry.DecrementCount()
}

func closeResource(d xa.Resource) {
	if c, ok := d.(xa.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnf("close resource manager connection failed, err: %v", err)
		}
	}
}
