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
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// XA Manager 事务协调器
// 1. 组成部分:
//  1.1 TXManager: 提供开启事务、登记资源工厂、启动恢复、异步轮询重试、停止等功能
//  1.2 Transaction: 一笔全局事务, 负责两阶段提交的各个阶段
//  1.3 registryCenter: 资源工厂注册中心, 恢复时按伙伴日志中的工厂名重新连接资源管理器
//  1.4 partner.Table: 伙伴表, 把资源的恢复信息写入伙伴日志
//  1.5 recoverylog.Log: 事务日志, 记录事务状态与已 prepare 的参与者
// 2. TX Manager 功能
//  2.1 作为 goxa 的统一入口, 供使用方开启事务、登记资源
//  2.2 作为外部协调者的下级, 通过 Terminator 导入事务
//  2.3 重启后从日志恢复事务并继续完成
//  2.4 运行异步轮询任务, 推进第二阶段没有完成的事务走向终态

// TXManager 事务协调器
type TXManager struct {
	ctx            context.Context    // 反映 TXManager 运行生命周期的 context, ctx 终止时异步轮询任务随之退出
	stop           context.CancelFunc // 停止 txManager 的控制器
	opts           *Options
	registryCenter *registryCenter
	partners       *partner.Table
	tranLog        recoverylog.Log
	generator      *xa.Generator
	metrics        *txMetrics

	mux         sync.RWMutex
	txs         map[xa.Xid]*Transaction
	imports     map[xa.Xid]*ImportedTransaction
	terminators map[string]*Terminator

	replayComplete atomic.Bool
	done           chan struct{}
}

// NewTXManager 初始化并返回事务协调器. 构造之后应当调用 Recover 完成启动恢复
func NewTXManager(opts ...Option) *TXManager {
	ctx, cancel := context.WithCancel(context.Background())
	txManager := TXManager{
		opts:           &Options{},
		registryCenter: newRegistryCenter(),
		ctx:            ctx,
		stop:           cancel,
		txs:            make(map[xa.Xid]*Transaction),
		imports:        make(map[xa.Xid]*ImportedTransaction),
		terminators:    make(map[string]*Terminator),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}

	repair(txManager.opts)

	if txManager.opts.Logger != nil {
		log.SetLogger(txManager.opts.Logger)
	}
	txManager.tranLog = txManager.opts.RecoveryLog
	txManager.partners = partner.NewTable(txManager.opts.PartnerLog, nil)
	txManager.generator = xa.NewGenerator(txManager.opts.FormatID, txManager.opts.InstanceID, txManager.opts.Epoch)
	txManager.metrics = newTxMetrics(txManager.opts.Meter)
	for _, providerID := range txManager.opts.InboundProviders {
		txManager.Terminator(providerID)
	}

	// 在TxManager实例被构造出来就会伴生地启动异步轮询任务
	go txManager.run()
	return &txManager
}

// Stop 停止轮询任务, 删除已经恢复完的伙伴日志记录
func (t *TXManager) Stop() {
	t.stop()
	<-t.done
	if remaining := t.partners.Shutdown(context.Background()); remaining {
		log.Infof("partner log retained for next start, log: %s", t.partners.Log().Name())
	}
}

// Instance 本实例标识
func (t *TXManager) Instance() xa.InstanceID {
	return t.generator.Instance()
}

// RegisterFactory 注册资源工厂, 恢复时按名字重新连接资源管理器
func (t *TXManager) RegisterFactory(factory Factory) error {
	return t.registryCenter.register(factory)
}

// RegisterResourceInfo 登记资源的恢复信息, 返回登记资源时使用的伙伴序号. 相同的恢复信息返回相同的序号
func (t *TXManager) RegisterResourceInfo(w *partner.XARecoveryWrapper) (int, error) {
	entry, err := t.partners.FindEntry(w)
	if err != nil {
		return 0, err
	}
	return entry.Index(), nil
}

// Partners 伙伴表
func (t *TXManager) Partners() *partner.Table {
	return t.partners
}

// Terminator 上级伙伴的入口, 每个 providerID 一个
func (t *TXManager) Terminator(providerID string) *Terminator {
	t.mux.Lock()
	defer t.mux.Unlock()
	if term, ok := t.terminators[providerID]; ok {
		return term
	}
	term := &Terminator{mgr: t, providerID: providerID}
	t.terminators[providerID] = term
	return term
}

func (t *TXManager) providerInstalled(providerID string) bool {
	t.mux.RLock()
	defer t.mux.RUnlock()
	_, ok := t.terminators[providerID]
	return ok
}

// ReplayComplete 启动恢复是否已经完成
func (t *TXManager) ReplayComplete() bool {
	return t.replayComplete.Load()
}

func (t *TXManager) checkReplay() error {
	if t.replayComplete.Load() {
		return nil
	}
	return xa.WrapError(xa.ERRMFAIL, ErrReplayIncomplete, "try later")
}

// Begin 开启一笔事务并关联到返回的 ctx 上. 不支持嵌套事务
func (t *TXManager) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	if t.ctx.Err() != nil {
		return ctx, nil, ErrStopped
	}
	if existing, ok := FromContext(ctx); ok {
		switch existing.Status() {
		case TXActive, TXMarkedRollback:
			return ctx, nil, fmt.Errorf("%w: nested transaction, xid: %s", ErrIllegalState, existing.XID())
		}
	}

	tx := newTransaction(t, t.generator.NewGlobal(), false)
	t.register(tx)
	tx.startTimer(t.opts.Timeout)
	log.DebugContextf(ctx, "transaction begun, xid: %s", tx.XID())
	return WithTransaction(ctx, tx), tx, nil
}

// Transaction 在一笔事务中执行 fn. fn 返回错误时回滚, 否则提交
func (t *TXManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tctx, tx, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	if err = fn(tctx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			log.ErrorContextf(ctx, "rollback failed, xid: %s, err: %v", tx.XID(), rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Complete 按指定方向完成等待人工处理的事务
func (t *TXManager) Complete(ctx context.Context, xid xa.Xid, commit bool) error {
	tx := t.lookup(xid)
	if tx == nil {
		return fmt.Errorf("%w: unknown transaction %s", ErrIllegalState, xid)
	}
	return tx.completeManually(ctx, commit)
}

// Transactions 当前所有未结束事务的快照
func (t *TXManager) Transactions() []*Transaction {
	t.mux.RLock()
	defer t.mux.RUnlock()
	txs := make([]*Transaction, 0, len(t.txs))
	for _, tx := range t.txs {
		txs = append(txs, tx)
	}
	return txs
}

func (t *TXManager) register(tx *Transaction) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.txs[tx.xid] = tx
}

// registerImport 并发导入同一个 xid 时返回先登记的那一个
func (t *TXManager) registerImport(it *ImportedTransaction) *ImportedTransaction {
	t.mux.Lock()
	defer t.mux.Unlock()
	xid := it.XID()
	if existing, ok := t.imports[xid]; ok {
		return existing
	}
	t.imports[xid] = it
	t.txs[xid] = it.tx
	return it
}

func (t *TXManager) deregister(tx *Transaction) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if cur, ok := t.txs[tx.xid]; ok && cur == tx {
		delete(t.txs, tx.xid)
	}
	if it, ok := t.imports[tx.xid]; ok && it.tx == tx {
		delete(t.imports, tx.xid)
	}
}

func (t *TXManager) lookup(xid xa.Xid) *Transaction {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.txs[xid]
}

func (t *TXManager) lookupImport(xid xa.Xid) *ImportedTransaction {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.imports[xid]
}

func (t *TXManager) importsOf(providerID string) []*ImportedTransaction {
	t.mux.RLock()
	defer t.mux.RUnlock()
	var out []*ImportedTransaction
	for _, it := range t.imports {
		if it.providerID == providerID {
			out = append(out, it)
		}
	}
	return out
}

// Recover 启动恢复
// 1. 从伙伴日志加载伙伴条目并还原
// 2. 从事务日志重建事务, 按状态继续提交或回滚
// 3. 完成后才接受上级的 prepare / commit / rollback / forget
func (t *TXManager) Recover(ctx context.Context) (int, error) {
	if t.replayComplete.Load() {
		return 0, nil
	}

	recovered := partner.NewTable(t.partners.Log(), t.partners.Kinds())
	loaded, err := recovered.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load partner log: %w", err)
	}
	for _, e := range recovered.Entries() {
		if _, err := e.Deserialize(); err != nil {
			log.WarnContextf(ctx, "partner not deserialized, recovery id: %d, err: %v", e.RecoveryID(), err)
		}
	}
	t.partners.Merge(recovered)

	units, err := t.tranLog.RecoverableUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("load transaction log: %w", err)
	}
	txs := make([]*Transaction, 0, len(units))
	for _, unit := range units {
		tx, err := t.reconstruct(ctx, unit)
		if err != nil {
			// 留给人工处理, 不删除日志单元
			log.ErrorContextf(ctx, "reconstruct transaction failed, unit: %d, err: %v", unit.ID(), err)
			continue
		}
		if tx == nil {
			continue
		}
		if tx.subordinate {
			t.registerImport(&ImportedTransaction{mgr: t, tx: tx, providerID: tx.providerID, prepared: tx.state.State() == StatePrepared})
		} else {
			t.register(tx)
		}
		txs = append(txs, tx)
	}
	for _, tx := range txs {
		tx.recover(ctx)
	}

	// 没有被任何事务引用的恢复条目在关闭时删除
	for _, e := range recovered.Entries() {
		if e.InUseCount() == 0 {
			e.SetRecovered(true)
		}
	}
	t.replayComplete.Store(true)
	log.InfoContextf(ctx, "recovery replay complete, partners: %d, transactions: %d", loaded, len(txs))
	return len(txs), nil
}

// reconstruct 从日志单元重建事务. 没有可恢复状态的单元直接删除
func (t *TXManager) reconstruct(ctx context.Context, unit recoverylog.RecoverableUnit) (*Transaction, error) {
	gid := unit.LookupSection(recoverylog.SectionGlobalID)
	if gid == nil || gid.LastData() == nil {
		return nil, fmt.Errorf("%w: unit %d without global id", recoverylog.ErrLogCorrupt, unit.ID())
	}
	xid, err := xa.UnmarshalXid(gid.LastData())
	if err != nil {
		return nil, fmt.Errorf("%w: unit %d: %v", recoverylog.ErrLogCorrupt, unit.ID(), err)
	}

	var inbound *partner.LogData
	if section := unit.LookupSection(recoverylog.SectionInboundPartner); section != nil {
		id, err := decodeRecoveryID(section.LastData())
		if err != nil {
			return nil, err
		}
		if inbound = t.partners.FindEntryByRecoveryID(id); inbound == nil {
			return nil, fmt.Errorf("%w: inbound partner %d not found", recoverylog.ErrLogCorrupt, id)
		}
	}

	tx := newTransaction(t, xid, inbound != nil)
	if state := tx.state.Reconstruct(unit); state == StateNone {
		log.WarnContextf(ctx, "unit without recoverable state, removing, unit: %d, xid: %s", unit.ID(), xid)
		if err := t.tranLog.RemoveRecoverableUnit(ctx, unit.ID()); err != nil && !errors.Is(err, recoverylog.ErrUnitNotFound) {
			log.WarnContextf(ctx, "remove unit failed, unit: %d, err: %v", unit.ID(), err)
		}
		return nil, nil
	}

	if inbound != nil {
		inbound.IncrementCount()
		tx.inbound, tx.inboundLogged = inbound, true
		if w, ok := inbound.Wrapper().(*partner.InboundWrapper); ok {
			tx.providerID = w.ProviderID
		}
	}
	if section := unit.LookupSection(recoverylog.SectionResources); section != nil {
		for _, data := range section.Data() {
			id, bxid, err := decodeResourceRecord(data)
			if err != nil {
				return nil, err
			}
			entry := t.partners.FindEntryByRecoveryID(id)
			if entry == nil {
				log.ErrorContextf(ctx, "partner of prepared resource missing, xid: %s, recovery id: %d", bxid, id)
				tx.resources.addOutcome(heuristic.HeuristicHazard)
				continue
			}
			tx.resources.add(recoveredXAResource(bxid, entry, t.registryCenter, t.metrics))
		}
	}
	tx.resources.logged = true
	return tx, nil
}

// backOffTick 增加轮询时间间隔
// 每次对时间间隔进行翻倍, 封顶为初始时长的8倍
func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := t.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// run 异步轮询流程, 为第二阶段没有完成的事务补齐操作
//  1. 实现方式: for循环 + select 多路复用 + 分布式锁
//     1.1 select 多路复用保证 txManager 的 ctx 被关闭后能够及时退出
//     1.2 多个实例共用恢复日志存储时通过 Locker 避免重复执行
//  2. 启动恢复完成后清理伙伴日志中不再被引用的条目
func (t *TXManager) run() {
	defer close(t.done)
	var tick time.Duration
	var err error
	for {
		// 出现失败时 tick 遵循退避策略增大
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(tick):
			if t.opts.Locker != nil {
				if err = t.opts.Locker.Lock(t.ctx); err != nil {
					// 取锁失败时（大概率被其他实例占有），不对 tick 进行退避升级
					err = nil
					continue
				}
			}

			err = t.batchAdvanceProgress(t.pendingTransactions())
			if t.replayComplete.Load() {
				if cleared := t.partners.ClearUnused(t.ctx); cleared > 0 {
					log.Infof("partner log compacted, cleared: %d", cleared)
				}
			}

			if t.opts.Locker != nil {
				_ = t.opts.Locker.Unlock(t.ctx)
			}
		}
	}
}

// pendingTransactions 等待重试的事务
func (t *TXManager) pendingTransactions() []*Transaction {
	var txs []*Transaction
	for _, tx := range t.Transactions() {
		if tx.needsRetry() {
			txs = append(txs, tx)
		}
	}
	return txs
}

// batchAdvanceProgress 并发推进等待重试的事务, 只返回遇到的第一个错误
func (t *TXManager) batchAdvanceProgress(txs []*Transaction) error {
	errCh := make(chan error)
	go func() {
		var wg sync.WaitGroup
		for _, tx := range txs {
			tx := tx
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := tx.retryCompletion(t.ctx); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if firstErr != nil {
			continue
		}
		firstErr = err
	}

	return firstErr
}
