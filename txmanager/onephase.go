package txmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// OnePhaseResource 只支持一阶段提交的资源, 事务中最多一个, 作为最后参与者提交
type OnePhaseResource struct {
	mu     sync.Mutex
	driver xa.Resource
	xid    xa.Xid
	status heuristic.Outcome
}

func newOnePhaseResource(driver xa.Resource, xid xa.Xid) *OnePhaseResource {
	return &OnePhaseResource{driver: driver, xid: xid, status: heuristic.Registered}
}

func (r *OnePhaseResource) XID() xa.Xid {
	return r.xid
}

func (r *OnePhaseResource) RecoveryID() int64 {
	return 0
}

func (r *OnePhaseResource) Priority() int {
	return 0
}

func (r *OnePhaseResource) Describe() string {
	return fmt.Sprintf("one-phase %T xid=%s", r.driver, r.xid)
}

func (r *OnePhaseResource) Status() heuristic.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *OnePhaseResource) SetStatus(status heuristic.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Equal 包装同一个驱动即相等
func (r *OnePhaseResource) Equal(other *OnePhaseResource) bool {
	return other != nil && r.driver == other.driver
}

func (r *OnePhaseResource) Start(ctx context.Context, flags xa.Flags) error {
	return asXAError(r.driver.Start(ctx, r.xid, flags), xa.ERRMFAIL, "start %s", r.xid)
}

func (r *OnePhaseResource) End(ctx context.Context, flags xa.Flags) error {
	return asXAError(r.driver.End(ctx, r.xid, flags), xa.ERRMFAIL, "end %s", r.xid)
}

// Prepare 一阶段资源不能投票. 先交给驱动, 驱动会先返回它自己的错误码, 否则返回 XA_RBPROTO
func (r *OnePhaseResource) Prepare(ctx context.Context) (xa.Vote, error) {
	if _, err := r.driver.Prepare(ctx, r.xid); err != nil {
		return xa.VoteRollback, asXAError(err, xa.ERRMERR, "prepare one-phase %s", r.xid)
	}
	return xa.VoteRollback, xa.NewError(xa.RBPROTO, "one-phase resource cannot prepare")
}

func (r *OnePhaseResource) Commit(ctx context.Context) error {
	return xa.NewError(xa.ERPROTO, "one-phase resource cannot commit two-phase")
}

func (r *OnePhaseResource) CommitOnePhase(ctx context.Context) error {
	return asXAError(r.driver.Commit(ctx, r.xid, true), xa.ERRMERR, "commit one-phase %s", r.xid)
}

func (r *OnePhaseResource) Rollback(ctx context.Context) error {
	return asXAError(r.driver.Rollback(ctx, r.xid), xa.ERRMERR, "rollback one-phase %s", r.xid)
}

// Forget 一阶段资源不会留下启发式状态
func (r *OnePhaseResource) Forget(ctx context.Context) error {
	return nil
}

func (r *OnePhaseResource) Destroy() {}
