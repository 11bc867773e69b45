package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/syncs"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Transaction 一笔全局事务
// 1. 本实例发起的上级事务, 由 Commit / Rollback 驱动
// 2. 从外部协调者导入的下级事务, 由 ImportedTransaction 驱动 prepare / commit / rollback / forget
// 3. 第二阶段没有完成的事务交给 TXManager 的轮询任务重试
type Transaction struct {
	mu  sync.Mutex
	mgr *TXManager

	xid         xa.Xid
	state       *TransactionState
	resources   *registeredResources
	syncs       *syncs.Registered
	enlisted    []*enlistment
	subordinate bool

	// 驱动本事务的上级伙伴
	inbound       *partner.LogData
	providerID    string
	inboundLogged bool

	rollbackOnly  atomic.Bool
	rollbackCause error
	timer         *time.Timer
	deadline      time.Time
	timedOut      bool
	// 已经开始完成流程, 不再接受 Commit/Rollback
	completing bool
	// before 回调执行中, 状态仍然是 ACTIVE, 回调可以继续登记资源
	inBefore bool
	// 第二阶段方向为提交
	commitDecided      bool
	heuristicOnPrepare error
	heuristicRecorded  bool
	systemErr          error

	retryPending bool
	retryCommit  bool
	retries      int
	// 下级事务等待上级 forget
	awaitingForget bool
	// 等待人工决定方向
	manual bool

	afterPending *syncs.Status
	afterDone    bool
	finished     bool
	final        State
}

type enlistment struct {
	driver xa.Resource
	res    *XAResource
}

func newTransaction(mgr *TXManager, xid xa.Xid, subordinate bool) *Transaction {
	return &Transaction{
		mgr:         mgr,
		xid:         xid,
		state:       NewTransactionState(xid, mgr.tranLog, subordinate),
		resources:   &registeredResources{},
		syncs:       syncs.New(mgr.opts.SyncDepthLimit),
		subordinate: subordinate,
		final:       StateNone,
	}
}

func (t *Transaction) XID() xa.Xid {
	return t.xid
}

func (t *Transaction) startTimer(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	t.deadline = time.Now().Add(timeout)
	t.timer = time.AfterFunc(timeout, t.timeout)
}

// shortenTimeout 资源声明了更短的超时时提前超时时间, 完成流程开始后不再调整
func (t *Transaction) shortenTimeout(timeout time.Duration) {
	if timeout <= 0 || t.completing {
		return
	}
	deadline := time.Now().Add(timeout)
	if !t.deadline.IsZero() && !deadline.Before(t.deadline) {
		return
	}
	if t.timer != nil && !t.timer.Stop() {
		// 已经触发
		return
	}
	t.deadline = deadline
	t.timer = time.AfterFunc(timeout, t.timeout)
}

func (t *Transaction) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// branchXid 本实例生成的全局标识按固定布局生成分支标识, 外部导入的在原分支标识后追加序号
func (t *Transaction) branchXid(seq int, stoken uint64) (xa.Xid, error) {
	if bx, err := t.xid.NewBranch(byte(seq), stoken, uint16(seq)); err == nil {
		return bx, nil
	}
	bqual := append(t.xid.BranchQualifier(), byte(seq>>8), byte(seq))
	return xa.NewXid(t.xid.FormatID(), t.xid.GlobalTransactionID(), bqual)
}

func (t *Transaction) checkActive() error {
	if t.finished && t.timedOut {
		return fmt.Errorf("%w: timed out", ErrRolledBack)
	}
	if t.state.State() != StateActive || (t.completing && !t.inBefore) {
		return fmt.Errorf("%w: %s", ErrIllegalState, t.state.State())
	}
	if t.rollbackOnly.Load() {
		return fmt.Errorf("%w: marked rollback only", ErrRolledBack)
	}
	return nil
}

func (t *Transaction) checkCompletable() error {
	if t.finished && t.timedOut {
		return fmt.Errorf("%w: timed out", ErrRolledBack)
	}
	if t.state.State() != StateActive || t.completing {
		return fmt.Errorf("%w: %s", ErrIllegalState, t.state.State())
	}
	return nil
}

// EnlistResource 登记一个 XA 资源. index 为 RegisterResourceInfo 返回的伙伴序号.
// 与已登记资源属于同一个资源管理器时以 TMJOIN 加入已有分支.
func (t *Transaction) EnlistResource(ctx context.Context, rm xa.Resource, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}

	for _, e := range t.enlisted {
		if e.driver == rm || e.driver.IsSameRM(rm) {
			return asXAError(rm.Start(ctx, e.res.XID(), xa.TMJOIN), xa.ERRMFAIL, "join %s", e.res.XID())
		}
	}

	entry := t.mgr.partners.EntryAt(index)
	if entry == nil {
		return fmt.Errorf("%w: %d", ErrUnknownResource, index)
	}
	bxid, err := t.branchXid(t.resources.len()+1, uint64(entry.Index()))
	if err != nil {
		return err
	}
	res := newXAResource(rm, bxid, entry, t.mgr.registryCenter, t.mgr.metrics)
	if err = res.Start(ctx, xa.TMNOFLAGS); err != nil {
		res.Destroy()
		return err
	}
	if w, ok := entry.Wrapper().(*partner.XARecoveryWrapper); ok {
		t.shortenTimeout(time.Duration(w.TimeoutSeconds()) * time.Second)
	}
	t.enlisted = append(t.enlisted, &enlistment{driver: rm, res: res})
	t.resources.add(res)
	log.DebugContextf(ctx, "resource enlisted, xid: %s, resource: %s", t.xid, res.Describe())
	return nil
}

// EnlistOnePhaseResource 登记只支持一阶段提交的资源, 每个事务最多一个
func (t *Transaction) EnlistOnePhaseResource(ctx context.Context, rm xa.Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}

	bxid, err := t.branchXid(t.resources.len()+1, 0)
	if err != nil {
		return err
	}
	res := newOnePhaseResource(rm, bxid)
	if lps, ok := t.resources.lps.(*OnePhaseResource); ok {
		if lps.Equal(res) {
			return nil
		}
		return fmt.Errorf("%w: one-phase resource already enlisted", ErrIllegalState)
	}
	if err = res.Start(ctx, xa.TMNOFLAGS); err != nil {
		return err
	}
	t.resources.addLastParticipant(res)
	return nil
}

// RegisterSynchronization before 回调中也可以继续注册
func (t *Transaction) RegisterSynchronization(s syncs.Synchronization, tier syncs.Tier) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.State() != StateActive {
		return fmt.Errorf("%w: %s", ErrIllegalState, t.state.State())
	}
	if t.rollbackOnly.Load() {
		return fmt.Errorf("%w: marked rollback only", ErrRolledBack)
	}
	return t.syncs.Add(s, tier)
}

// SetRollbackOnly 提交方向确定之前都可以标记
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state.State() {
	case StateActive, StatePreparing:
		t.rollbackOnly.Store(true)
		if t.rollbackCause == nil {
			t.rollbackCause = errors.New("set rollback only")
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIllegalState, t.state.State())
}

func (t *Transaction) RollbackOnly() bool {
	return t.rollbackOnly.Load()
}

func (t *Transaction) Status() TXStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return statusOf(t.final, false)
	}
	return statusOf(t.state.State(), t.rollbackOnly.Load())
}

func statusOf(s State, rollbackOnly bool) TXStatus {
	switch s {
	case StateActive:
		if rollbackOnly {
			return TXMarkedRollback
		}
		return TXActive
	case StatePreparing, StateLastParticipant:
		return TXPreparing
	case StatePrepared:
		return TXPrepared
	case StateCommitting, StateCommittingOnePhase:
		return TXCommitting
	case StateCommitted:
		return TXCommitted
	case StateRollingBack:
		return TXRollingBack
	case StateRolledBack:
		return TXRolledBack
	case StateHeuristicOnCommit, StateHeuristicOnRollback:
		return TXUnknown
	}
	return TXNoTransaction
}

// HeuristicOutcome 所有参与者结果的合并
func (t *Transaction) HeuristicOutcome() heuristic.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resources.outcome
}

// Commit 两阶段提交.
// 结果为回滚时返回 ErrRolledBack, 启发式结果返回 *HeuristicError, 只在本次调用中报告一次.
func (t *Transaction) Commit(ctx context.Context) error {
	defer t.runAfter(ctx)

	t.mu.Lock()
	if err := t.checkCompletable(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.stopTimer()
	t.completing = true
	t.inBefore = true
	t.mu.Unlock()

	start := time.Now()
	ctx = WithTransaction(ctx, t)
	// 回调中可以注册新的回调或者登记资源, 不持有锁
	beforeErr := t.syncs.DistributeBefore(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inBefore = false
	err := t.commitLocked(ctx, beforeErr)
	t.mgr.metrics.recordCommit(ctx, t.currentState(), time.Since(start))
	return err
}

func (t *Transaction) currentState() State {
	if t.finished {
		return t.final
	}
	return t.state.State()
}

func (t *Transaction) commitLocked(ctx context.Context, beforeErr error) error {
	var (
		state State
		err   error
	)
	switch {
	case !t.prePrepare(ctx, beforeErr):
		state, err = t.toRollingBack(ctx)
	case t.resources.len() == 0:
		state, err = t.commitEmpty(ctx)
	case t.resources.len() == 1 && !t.subordinate:
		state, err = t.commitOnlyAgent(ctx)
	default:
		state, err = t.prepareResources(ctx)
	}
	if err != nil {
		return err
	}
	t.complete(ctx, state)
	return t.commitResult()
}

// prePrepare before 回调之后结束所有资源上的关联, 返回是否还能提交
func (t *Transaction) prePrepare(ctx context.Context, beforeErr error) bool {
	if beforeErr != nil {
		log.WarnContextf(ctx, "before completion failed, rolling back, xid: %s, err: %v", t.xid, beforeErr)
		t.markRollback(beforeErr)
	}
	flags := xa.TMSUCCESS
	if t.rollbackOnly.Load() {
		flags = xa.TMFAIL
	}
	if !t.resources.distributeEnd(ctx, flags) {
		t.markRollback(errors.New("end association failed"))
	}
	return !t.rollbackOnly.Load()
}

func (t *Transaction) markRollback(cause error) {
	t.rollbackOnly.Store(true)
	if t.rollbackCause == nil {
		t.rollbackCause = cause
	}
}

func (t *Transaction) commitEmpty(ctx context.Context) (State, error) {
	t.commitDecided = true
	if err := t.state.SetState(ctx, StatePreparing); err != nil {
		return t.state.State(), err
	}
	if err := t.state.SetState(ctx, StateCommitted); err != nil {
		return t.state.State(), err
	}
	return StateCommitted, nil
}

// toRollingBack 写日志失败后日志已停用, 再迁移一次不会再写
func (t *Transaction) toRollingBack(ctx context.Context) (State, error) {
	err := t.state.SetState(ctx, StateRollingBack)
	if err != nil && errors.Is(err, ErrSystem) {
		t.systemErr = err
		err = t.state.SetState(ctx, StateRollingBack)
	}
	if err != nil {
		return t.state.State(), err
	}
	return StateRollingBack, nil
}

// commitOnlyAgent 只有一个参与者时直接一阶段提交, 不写日志
func (t *Transaction) commitOnlyAgent(ctx context.Context) (State, error) {
	if err := t.state.SetState(ctx, StateCommittingOnePhase); err != nil {
		return t.state.State(), err
	}
	err := t.resources.flowCommitOnePhase(ctx, t.resources.list[0])
	var herr *HeuristicError
	switch {
	case err == nil, errors.As(err, &herr):
		t.commitDecided = true
		if err := t.state.SetState(ctx, StateCommitted); err != nil {
			return t.state.State(), err
		}
		return StateCommitted, nil
	case errors.Is(err, ErrRolledBack):
		t.rollbackCause = err
	default:
		t.systemErr = err
	}
	return t.toRollingBack(ctx)
}

// prepareResources 第一阶段. 上级事务在全部提交票之后写 COMMITTING, 下级事务写 PREPARED 等待上级
func (t *Transaction) prepareResources(ctx context.Context) (State, error) {
	if err := t.state.SetState(ctx, StatePreparing); err != nil {
		return t.state.State(), err
	}
	result, err := t.resources.distributePrepare(ctx, t.subordinate, !t.subordinate, t.rollbackOnly.Load)
	if err == nil && result == prepareOK {
		err = t.logResources(ctx)
	}
	if err == nil && t.resources.lps != nil {
		result, err = t.resources.commitLastAgent(ctx, result == prepareOK, t.logLastParticipant)
	}
	if err != nil {
		return t.prepareFailed(ctx, err)
	}

	switch result {
	case prepareOK:
		if t.subordinate {
			err = t.state.SetState(ctx, StatePrepared)
		} else {
			err = t.state.SetState(ctx, StateCommitting)
		}
		if err != nil {
			return t.prepareFailed(ctx, err)
		}
		t.commitDecided = !t.subordinate
	case prepareReadOnly, prepareOnePhase:
		t.commitDecided = true
		err = t.state.SetState(ctx, StateCommitted)
	case prepareOnePhaseRollback:
		err = t.state.SetState(ctx, StateRolledBack)
	case prepareOnePhaseFailed:
		// 停在 LAST_PARTICIPANT, 按启发式方向完成
	}
	return t.state.State(), err
}

func (t *Transaction) logLastParticipant(ctx context.Context) error {
	return t.state.SetState(ctx, StateLastParticipant)
}

// logResources 写入已 prepare 的参与者, 下级事务同时写入驱动它的上级伙伴
func (t *Transaction) logResources(ctx context.Context) error {
	if err := t.resources.logResources(ctx, t.state); err != nil {
		return err
	}
	if t.inbound == nil || t.inboundLogged {
		return nil
	}
	if err := t.inbound.LogRecoveryEntry(ctx); err != nil {
		return fmt.Errorf("%w: log inbound partner: %v", ErrSystem, err)
	}
	section, err := t.state.Section(ctx, recoverylog.SectionInboundPartner, true)
	if err != nil {
		return fmt.Errorf("%w: create inbound section: %v", ErrSystem, err)
	}
	if err = section.AddData(ctx, encodeRecoveryID(t.inbound.RecoveryID())); err != nil {
		return fmt.Errorf("%w: log inbound partner: %v", ErrSystem, err)
	}
	t.inboundLogged = true
	return nil
}

// prepareFailed 第一阶段失败一律转为回滚, 原因留给结果报告
func (t *Transaction) prepareFailed(ctx context.Context, err error) (State, error) {
	var herr *HeuristicError
	switch {
	case errors.As(err, &herr):
		t.heuristicOnPrepare = herr
	case errors.Is(err, ErrRolledBack):
		if t.rollbackCause == nil {
			t.rollbackCause = err
		}
	default:
		t.systemErr = err
	}
	log.WarnContextf(ctx, "prepare failed, rolling back, xid: %s, err: %v", t.xid, err)
	return t.toRollingBack(ctx)
}

// complete 第二阶段
func (t *Transaction) complete(ctx context.Context, state State) {
	switch state {
	case StateCommitting:
		t.settle(ctx, true, t.resources.distributeOutcome(ctx, true))
	case StateRollingBack:
		t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
	case StateLastParticipant:
		t.resources.addOutcome(heuristic.HeuristicHazard)
		t.completeByDirection(ctx)
	case StateCommitted:
		t.settle(ctx, true, false)
	case StateRolledBack:
		t.settle(ctx, false, false)
	}
}

// completeByDirection 结果无法确定时按配置的启发式方向完成
func (t *Transaction) completeByDirection(ctx context.Context) {
	switch t.mgr.opts.HeuristicDirection {
	case DirectionCommit:
		if err := t.state.SetState(ctx, StateCommitting); err == nil {
			t.commitDecided = true
			t.settle(ctx, true, t.resources.distributeOutcome(ctx, true))
			return
		}
	case DirectionManual:
		log.ErrorContextf(ctx, "transaction requires manual completion, xid: %s, state: %s", t.xid, t.state.State())
		t.manual = true
		t.scheduleAfter(syncs.StatusUnknown)
		return
	}
	if _, err := t.toRollingBack(ctx); err != nil {
		log.ErrorContextf(ctx, "heuristic rollback failed, xid: %s, err: %v", t.xid, err)
		return
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
}

// settle 第二阶段分发之后: 未完成的交给轮询重试, 下级事务的启发式结果等待上级 forget, 其余结束事务
func (t *Transaction) settle(ctx context.Context, commit, retry bool) {
	status := syncs.StatusRolledBack
	if commit {
		status = syncs.StatusCommitted
	}
	if o := t.resources.outcome; heuristic.IsHeuristic(o) && !t.heuristicRecorded {
		t.heuristicRecorded = true
		t.mgr.metrics.recordHeuristic(ctx, o)
	}

	if retry {
		if !t.retryPending {
			log.WarnContextf(ctx, "completion incomplete, will retry, xid: %s, commit: %t", t.xid, commit)
		}
		t.retryPending, t.retryCommit = true, commit
		t.scheduleAfter(status)
		return
	}
	t.retryPending = false

	if t.subordinate && t.inbound != nil && t.hasHeuristic(commit) {
		target := StateHeuristicOnRollback
		if commit {
			target = StateHeuristicOnCommit
		}
		if t.state.State() != target {
			if err := t.state.SetState(ctx, target); err != nil {
				log.WarnContextf(ctx, "record heuristic state failed, xid: %s, err: %v", t.xid, err)
			}
		}
		t.awaitingForget = true
		t.scheduleAfter(status)
		return
	}

	if t.resources.distributeForget(ctx) {
		t.retryPending, t.retryCommit = true, commit
		t.scheduleAfter(status)
		return
	}
	t.finish(ctx, commit)
}

func (t *Transaction) hasHeuristic(commit bool) bool {
	switch t.state.State() {
	case StateHeuristicOnCommit, StateHeuristicOnRollback:
		return true
	}
	if _, ok := surfaced(t.resources.outcome, commit); ok {
		return true
	}
	return t.resources.needsForget()
}

// surfaced 相对完成方向而言需要报告的启发式结果
func surfaced(outcome heuristic.Outcome, commit bool) (heuristic.Outcome, bool) {
	switch outcome {
	case heuristic.HeuristicMixed, heuristic.HeuristicHazard:
		return outcome, true
	case heuristic.RolledBack, heuristic.HeuristicRollback:
		if commit {
			return heuristic.HeuristicRollback, true
		}
	case heuristic.Committed, heuristic.HeuristicCommit:
		if !commit {
			return heuristic.HeuristicCommit, true
		}
	}
	return heuristic.None, false
}

func (t *Transaction) systemError() error {
	if errors.Is(t.systemErr, ErrSystem) {
		return t.systemErr
	}
	return fmt.Errorf("%w: %v", ErrSystem, t.systemErr)
}

func (t *Transaction) rollbackError() error {
	if t.rollbackCause == nil {
		return ErrRolledBack
	}
	if errors.Is(t.rollbackCause, ErrRolledBack) {
		return t.rollbackCause
	}
	return fmt.Errorf("%w: %v", ErrRolledBack, t.rollbackCause)
}

func (t *Transaction) commitResult() error {
	if t.systemErr != nil {
		return t.systemError()
	}
	if t.heuristicOnPrepare != nil {
		return t.heuristicOnPrepare
	}
	if o, ok := surfaced(t.resources.outcome, t.commitDecided); ok {
		return &HeuristicError{Outcome: o}
	}
	if !t.commitDecided && !t.manual {
		return t.rollbackError()
	}
	return nil
}

func (t *Transaction) rollbackResult() error {
	if t.systemErr != nil {
		return t.systemError()
	}
	if o, ok := surfaced(t.resources.outcome, false); ok {
		return &HeuristicError{Outcome: o}
	}
	return nil
}

// finish 事务结束: 删除日志单元, 释放上级伙伴, 从协调器注销
func (t *Transaction) finish(ctx context.Context, commit bool) {
	if t.finished {
		return
	}
	final := StateRolledBack
	status := syncs.StatusRolledBack
	if commit {
		final, status = StateCommitted, syncs.StatusCommitted
	}
	t.moveTo(ctx, final)
	t.scheduleAfter(status)

	if unit := t.state.Unit(); unit != nil && t.mgr.tranLog != nil {
		if err := t.mgr.tranLog.RemoveRecoverableUnit(ctx, unit.ID()); err != nil && !errors.Is(err, recoverylog.ErrUnitNotFound) {
			log.WarnContextf(ctx, "remove transaction log unit failed, xid: %s, unit: %d, err: %v", t.xid, unit.ID(), err)
		}
	}
	if t.inbound != nil {
		t.inbound.DecrementCount()
	}
	t.stopTimer()
	t.mgr.metrics.recordCompleted(ctx, final)
	t.mgr.deregister(t)
	t.state.Reset()

	t.finished, t.final = true, final
	t.retryPending, t.awaitingForget, t.manual = false, false, false
	log.DebugContextf(ctx, "transaction finished, xid: %s, state: %s, outcome: %s", t.xid, final, t.resources.outcome)
}

func (t *Transaction) moveTo(ctx context.Context, final State) {
	cur := t.state.State()
	if cur == final {
		return
	}
	if final == StateRolledBack && !CanTransition(cur, final) && CanTransition(cur, StateRollingBack) {
		_ = t.state.SetState(ctx, StateRollingBack)
	}
	if err := t.state.SetState(ctx, final); err != nil {
		log.DebugContextf(ctx, "final state not recorded, xid: %s, err: %v", t.xid, err)
	}
}

// scheduleAfter after 回调在释放锁之后由 runAfter 执行, 只执行一次
func (t *Transaction) scheduleAfter(status syncs.Status) {
	if t.afterDone {
		return
	}
	t.afterDone = true
	t.afterPending = &status
}

func (t *Transaction) runAfter(ctx context.Context) {
	t.mu.Lock()
	status := t.afterPending
	t.afterPending = nil
	t.mu.Unlock()
	if status != nil {
		t.syncs.DistributeAfter(ctx, *status)
	}
}

// Rollback 回滚 ACTIVE 状态的事务. 参与者的启发式提交以 *HeuristicError 报告
func (t *Transaction) Rollback(ctx context.Context) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkCompletable(); err != nil {
		return err
	}
	t.stopTimer()
	return t.rollbackLocked(WithTransaction(ctx, t))
}

func (t *Transaction) rollbackLocked(ctx context.Context) error {
	t.rollbackOnly.Store(true)
	t.resources.distributeEnd(ctx, xa.TMSUCCESS)
	if _, err := t.toRollingBack(ctx); err != nil {
		return err
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
	return t.rollbackResult()
}

// timeout 只影响还处于 ACTIVE 的事务, 提交决定之后什么也不做
func (t *Transaction) timeout() {
	ctx := t.mgr.ctx
	defer t.runAfter(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.state.State() != StateActive {
		return
	}
	t.rollbackOnly.Store(true)
	if t.rollbackCause == nil {
		t.rollbackCause = errors.New("transaction timed out")
	}
	if t.completing {
		return
	}
	t.timedOut = true
	log.WarnContextf(ctx, "transaction timed out, rolling back, xid: %s", t.xid)
	if err := t.rollbackLocked(WithTransaction(ctx, t)); err != nil {
		log.WarnContextf(ctx, "timeout rollback reported, xid: %s, err: %v", t.xid, err)
	}
}

// prepare 下级事务的第一阶段
func (t *Transaction) prepare(ctx context.Context) (xa.Vote, error) {
	defer t.runAfter(ctx)

	t.mu.Lock()
	if err := t.checkCompletable(); err != nil {
		t.mu.Unlock()
		return xa.VoteRollback, err
	}
	t.stopTimer()
	t.completing = true
	t.inBefore = true
	t.mu.Unlock()

	ctx = WithTransaction(ctx, t)
	beforeErr := t.syncs.DistributeBefore(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inBefore = false
	var (
		state State
		err   error
	)
	switch {
	case !t.prePrepare(ctx, beforeErr):
		state, err = t.toRollingBack(ctx)
	case t.resources.len() == 0:
		state, err = t.commitEmpty(ctx)
	default:
		state, err = t.prepareResources(ctx)
	}
	if err != nil {
		return xa.VoteRollback, err
	}

	switch state {
	case StatePrepared:
		return xa.VoteCommit, nil
	case StateCommitted:
		t.settle(ctx, true, false)
		return xa.VoteReadOnly, nil
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
	if t.heuristicOnPrepare != nil {
		return xa.VoteRollback, t.heuristicOnPrepare
	}
	if t.systemErr != nil {
		return xa.VoteRollback, t.systemError()
	}
	return xa.VoteRollback, t.rollbackError()
}

// commitPrepared 下级事务的第二阶段提交, 重复调用时重新分发
func (t *Transaction) commitPrepared(ctx context.Context) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state.State() {
	case StatePrepared:
		if err := t.state.SetState(ctx, StateCommitting); err != nil {
			return err
		}
	case StateCommitting:
	case StateHeuristicOnCommit:
		return t.subordinateResult(true)
	case StateHeuristicOnRollback:
		return &HeuristicError{Outcome: heuristic.HeuristicRollback}
	default:
		return fmt.Errorf("%w: commit in %s", ErrIllegalState, t.state.State())
	}
	t.commitDecided = true
	t.settle(ctx, true, t.resources.distributeOutcome(ctx, true))
	return t.subordinateResult(true)
}

// rollbackBranch 下级事务的回滚, 可以在 prepare 之前或之后
func (t *Transaction) rollbackBranch(ctx context.Context) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state.State() {
	case StateActive:
		if t.completing {
			return fmt.Errorf("%w: rollback during prepare", ErrIllegalState)
		}
		t.stopTimer()
		return t.rollbackLocked(ctx)
	case StatePrepared, StateRollingBack:
		if _, err := t.toRollingBack(ctx); err != nil && t.state.State() != StateRollingBack {
			return err
		}
	case StateHeuristicOnRollback:
		return t.subordinateResult(false)
	case StateHeuristicOnCommit:
		return &HeuristicError{Outcome: heuristic.HeuristicCommit}
	default:
		return fmt.Errorf("%w: rollback in %s", ErrIllegalState, t.state.State())
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
	return t.subordinateResult(false)
}

func (t *Transaction) subordinateResult(commit bool) error {
	if t.systemErr != nil {
		return t.systemError()
	}
	if o, ok := surfaced(t.resources.outcome, commit); ok {
		return &HeuristicError{Outcome: o}
	}
	for _, res := range t.resources.list {
		if s := res.Status(); heuristic.IsHeuristic(s) {
			return &HeuristicError{Outcome: s}
		}
	}
	return nil
}

// commitOnePhase 上级没有 prepare 就要求一阶段提交, 按本实例发起的事务处理
func (t *Transaction) commitOnePhase(ctx context.Context) error {
	t.mu.Lock()
	t.subordinate = false
	t.mu.Unlock()
	return t.Commit(ctx)
}

// forget 上级确认已经知道启发式结果
func (t *Transaction) forget(ctx context.Context) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.awaitingForget {
		return fmt.Errorf("%w: forget in %s", ErrIllegalState, t.state.State())
	}
	if t.resources.distributeForget(ctx) {
		return xa.NewError(xa.ERRMFAIL, "forget incomplete, xid: %s", t.xid)
	}
	t.finish(ctx, t.state.State() == StateHeuristicOnCommit)
	return nil
}

// completeManually 人工指定方向完成等待处理的事务
func (t *Transaction) completeManually(ctx context.Context, commit bool) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.manual {
		return fmt.Errorf("%w: transaction %s is not awaiting manual completion", ErrIllegalState, t.xid)
	}
	t.manual = false
	if commit {
		if err := t.state.SetState(ctx, StateCommitting); err != nil {
			return err
		}
		t.commitDecided = true
		t.settle(ctx, true, t.resources.distributeOutcome(ctx, true))
		return t.subordinateResult(true)
	}
	if _, err := t.toRollingBack(ctx); err != nil {
		return err
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
	return t.subordinateResult(false)
}

// retryCompletion 轮询任务调用. 重试次数用完时放弃, 结果记为 HAZARD
func (t *Transaction) retryCompletion(ctx context.Context) error {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.retryPending || t.finished {
		return nil
	}

	t.retries++
	t.mgr.metrics.recordRetry(ctx, t.state.State())
	commit := t.retryCommit
	t.settle(ctx, commit, t.resources.distributeOutcome(ctx, commit))
	if !t.retryPending {
		log.InfoContextf(ctx, "transaction completed by retry, xid: %s, retries: %d", t.xid, t.retries)
		return nil
	}

	if limit := t.mgr.opts.RetryLimit; limit > 0 && t.retries >= limit {
		log.ErrorContextf(ctx, "retry limit reached, giving up, xid: %s, retries: %d", t.xid, t.retries)
		t.resources.giveUp()
		t.mgr.metrics.recordHeuristic(ctx, heuristic.HeuristicHazard)
		t.finish(ctx, commit)
		return nil
	}
	return fmt.Errorf("transaction %s incomplete after %d retries", t.xid, t.retries)
}

func (t *Transaction) needsRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryPending && !t.finished
}

// recover 重启后继续处理从日志恢复的事务
func (t *Transaction) recover(ctx context.Context) {
	defer t.runAfter(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state.State()
	log.InfoContextf(ctx, "recovering transaction, xid: %s, state: %s, subordinate: %t", t.xid, state, t.subordinate)
	if t.subordinate {
		switch state {
		case StateHeuristicOnCommit, StateCommitted, StateCommitting:
			t.recoverCommit(ctx)
			return
		case StateHeuristicOnRollback, StateRolledBack, StateRollingBack:
			t.recoverRollback(ctx)
			return
		}
		if t.inbound != nil && t.mgr.providerInstalled(t.providerID) {
			log.InfoContextf(ctx, "transaction awaiting superior, xid: %s, provider: %s", t.xid, t.providerID)
			return
		}
		t.completeByDirection(ctx)
		return
	}

	switch state {
	case StateLastParticipant:
		t.resources.addOutcome(heuristic.HeuristicHazard)
		t.completeByDirection(ctx)
	case StateCommitting, StateCommitted, StateHeuristicOnCommit:
		t.recoverCommit(ctx)
	default:
		t.recoverRollback(ctx)
	}
}

func (t *Transaction) recoverCommit(ctx context.Context) {
	switch t.state.State() {
	case StateCommitting, StateCommitted, StateHeuristicOnCommit:
	default:
		if err := t.state.SetState(ctx, StateCommitting); err != nil {
			log.WarnContextf(ctx, "recover commit, state not recorded, xid: %s, err: %v", t.xid, err)
		}
	}
	t.commitDecided = true
	t.settle(ctx, true, t.resources.distributeOutcome(ctx, true))
}

func (t *Transaction) recoverRollback(ctx context.Context) {
	switch t.state.State() {
	case StateRollingBack, StateRolledBack, StateHeuristicOnRollback:
	default:
		if _, err := t.toRollingBack(ctx); err != nil {
			log.WarnContextf(ctx, "recover rollback, state not recorded, xid: %s, err: %v", t.xid, err)
		}
	}
	t.settle(ctx, false, t.resources.distributeOutcome(ctx, false))
}
