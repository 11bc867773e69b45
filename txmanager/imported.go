package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// ImportedTransaction 外部协调者导入的事务.
// 每次调用都在不带调用方事务的 ctx 上执行, 结果统一转换成 *xa.Error 返回给上级.
type ImportedTransaction struct {
	mu         sync.Mutex
	mgr        *TXManager
	tx         *Transaction
	providerID string

	prepared bool
	// 本地 Resume 的关联
	associated bool
	// 上级 Start 之后 End 之前的分支关联
	started bool
	// 上级调用中观察到的启发式结果
	heuristic heuristic.Outcome
}

func (it *ImportedTransaction) XID() xa.Xid {
	return it.tx.XID()
}

// Transaction 导入事务对应的本地事务, 用于登记资源和注册回调
func (it *ImportedTransaction) Transaction() *Transaction {
	return it.tx
}

// Heuristic 已经报告给上级的启发式结果
func (it *ImportedTransaction) Heuristic() heuristic.Outcome {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.heuristic
}

// Resume 在 ctx 上关联导入的事务执行工作, release 解除关联.
// 同一时间只允许一个关联, prepare 之后不能再关联.
func (it *ImportedTransaction) Resume(ctx context.Context) (context.Context, func(), error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.associated {
		return ctx, nil, xa.NewError(xa.ERPROTO, "transaction %s already associated", it.XID())
	}
	if it.prepared {
		return ctx, nil, xa.NewError(xa.ERPROTO, "transaction %s already prepared", it.XID())
	}
	it.associated = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			it.mu.Lock()
			it.associated = false
			it.mu.Unlock()
		})
	}
	return WithTransaction(ctx, it.tx), release, nil
}

// Prepare 启动恢复完成之前拒绝, 上级稍后重试
func (it *ImportedTransaction) Prepare(ctx context.Context) (xa.Vote, error) {
	if err := it.mgr.checkReplay(); err != nil {
		return xa.VoteRollback, err
	}
	it.mu.Lock()
	if it.associated || it.started {
		it.mu.Unlock()
		return xa.VoteRollback, xa.NewError(xa.ERPROTO, "prepare while associated, xid: %s", it.XID())
	}
	it.mu.Unlock()

	vote, err := it.tx.prepare(WithTransaction(ctx, nil))
	if err != nil {
		return vote, it.toXA(err)
	}
	if vote == xa.VoteCommit {
		it.mu.Lock()
		it.prepared = true
		it.mu.Unlock()
	}
	return vote, nil
}

// Commit onePhase 为 true 时上级没有 prepare
func (it *ImportedTransaction) Commit(ctx context.Context, onePhase bool) error {
	if err := it.mgr.checkReplay(); err != nil {
		return err
	}
	ctx = WithTransaction(ctx, nil)
	if onePhase {
		it.mu.Lock()
		prepared := it.prepared
		it.mu.Unlock()
		if prepared {
			return xa.NewError(xa.ERPROTO, "one-phase commit after prepare, xid: %s", it.XID())
		}
		return it.toXA(it.tx.commitOnePhase(ctx))
	}
	return it.toXA(it.tx.commitPrepared(ctx))
}

func (it *ImportedTransaction) Rollback(ctx context.Context) error {
	if err := it.mgr.checkReplay(); err != nil {
		return err
	}
	return it.toXA(it.tx.rollbackBranch(WithTransaction(ctx, nil)))
}

func (it *ImportedTransaction) Forget(ctx context.Context) error {
	if err := it.mgr.checkReplay(); err != nil {
		return err
	}
	return it.toXA(it.tx.forget(WithTransaction(ctx, nil)))
}

// toXA 把本地错误转换为 XA 返回码, 启发式结果同时记录下来
func (it *ImportedTransaction) toXA(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xa.CodeOf(err); ok {
		return err
	}
	if o, ok := OutcomeOf(err); ok {
		it.mu.Lock()
		it.heuristic = heuristic.Combine(it.heuristic, o)
		it.mu.Unlock()
		return xa.WrapError(codeOfOutcome(o), err, "xid %s", it.XID())
	}
	switch {
	case errors.Is(err, ErrRolledBack):
		return xa.WrapError(xa.RBROLLBACK, err, "xid %s", it.XID())
	case errors.Is(err, ErrIllegalState), errors.Is(err, ErrInvalidStateTransition):
		return xa.WrapError(xa.ERPROTO, err, "xid %s", it.XID())
	}
	return xa.WrapError(xa.ERRMERR, err, "xid %s", it.XID())
}

// setStarted 上级 Start / End 切换分支关联, prepare 之后不能再 Start
func (it *ImportedTransaction) setStarted(started bool) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if started && it.prepared {
		return xa.NewError(xa.ERPROTO, "transaction %s already prepared", it.XID())
	}
	it.started = started
	return nil
}

func (it *ImportedTransaction) inDoubt() bool {
	t := it.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	switch t.state.State() {
	case StatePrepared, StateHeuristicOnCommit, StateHeuristicOnRollback:
		return true
	}
	return false
}

// Terminator 一个上级伙伴的入口. 实现 xa.Resource, 上级可以把它当作资源管理器登记
type Terminator struct {
	mgr        *TXManager
	providerID string
}

func (t *Terminator) ProviderID() string {
	return t.providerID
}

// Import 导入上级的事务, 已经导入过时返回同一个对象. timeout <= 0 时使用协调器的默认超时
func (t *Terminator) Import(ctx context.Context, xid xa.Xid, timeout time.Duration) (*ImportedTransaction, error) {
	if it := t.mgr.lookupImport(xid); it != nil {
		return it, nil
	}
	if err := t.mgr.ctx.Err(); err != nil {
		return nil, ErrStopped
	}
	entry, err := t.mgr.partners.FindEntry(&partner.InboundWrapper{ProviderID: t.providerID})
	if err != nil {
		return nil, fmt.Errorf("%w: register inbound partner: %v", ErrSystem, err)
	}
	entry.IncrementCount()

	tx := newTransaction(t.mgr, xid, true)
	tx.inbound, tx.providerID = entry, t.providerID
	it := &ImportedTransaction{mgr: t.mgr, tx: tx, providerID: t.providerID}
	if existing := t.mgr.registerImport(it); existing != it {
		entry.DecrementCount()
		return existing, nil
	}
	if timeout <= 0 {
		timeout = t.mgr.opts.Timeout
	}
	tx.startTimer(timeout)
	return it, nil
}

func (t *Terminator) lookup(xid xa.Xid) (*ImportedTransaction, error) {
	it := t.mgr.lookupImport(xid)
	if it == nil || it.providerID != t.providerID {
		return nil, xa.NewError(xa.ERNOTA, "unknown xid %s", xid)
	}
	return it, nil
}

// Start TMNOFLAGS 导入新事务, TMJOIN / TMRESUME 要求事务已存在. 三者都把分支关联到上级, 直到 End
func (t *Terminator) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	if flags&(xa.TMJOIN|xa.TMRESUME) != 0 {
		it, err := t.lookup(xid)
		if err != nil {
			return err
		}
		return it.setStarted(true)
	}
	if it := t.mgr.lookupImport(xid); it != nil {
		return xa.NewError(xa.ERDUPID, "xid %s already imported", xid)
	}
	it, err := t.Import(ctx, xid, 0)
	if err != nil {
		return xa.WrapError(xa.ERRMERR, err, "import %s", xid)
	}
	return it.setStarted(true)
}

// End 解除上级关联. TMFAIL 时事务只能回滚
func (t *Terminator) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	it, err := t.lookup(xid)
	if err != nil {
		return err
	}
	if err = it.setStarted(false); err != nil {
		return err
	}
	if flags&xa.TMFAIL != 0 {
		// 已经结束的事务不需要再标记
		_ = it.tx.SetRollbackOnly()
	}
	return nil
}

func (t *Terminator) Prepare(ctx context.Context, xid xa.Xid) (xa.Code, error) {
	it, err := t.lookup(xid)
	if err != nil {
		return xa.ERNOTA, err
	}
	vote, err := it.Prepare(ctx)
	if err != nil {
		code, _ := xa.CodeOf(err)
		return code, err
	}
	if vote == xa.VoteReadOnly {
		return xa.RDONLY, nil
	}
	return xa.OK, nil
}

func (t *Terminator) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	it, err := t.lookup(xid)
	if err != nil {
		return err
	}
	return it.Commit(ctx, onePhase)
}

func (t *Terminator) Rollback(ctx context.Context, xid xa.Xid) error {
	it, err := t.lookup(xid)
	if err != nil {
		return err
	}
	return it.Rollback(ctx)
}

func (t *Terminator) Forget(ctx context.Context, xid xa.Xid) error {
	it, err := t.lookup(xid)
	if err != nil {
		return err
	}
	return it.Forget(ctx)
}

// Recover 本伙伴导入且处于 prepared 或启发式状态的事务
func (t *Terminator) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if err := t.mgr.checkReplay(); err != nil {
		return nil, err
	}
	var xids []xa.Xid
	for _, it := range t.mgr.importsOf(t.providerID) {
		if it.inDoubt() {
			xids = append(xids, it.XID())
		}
	}
	return xids, nil
}

func (t *Terminator) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*Terminator)
	return ok && o.mgr == t.mgr
}
