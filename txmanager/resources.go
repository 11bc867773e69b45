package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// prepareResult 第一阶段的汇总结果
type prepareResult int

const (
	// 所有参与者只读, 不需要第二阶段
	prepareReadOnly prepareResult = iota
	// 至少一个参与者投了提交票
	prepareOK
	// 一阶段优化提交完成
	prepareOnePhase
	// 一阶段优化被资源回滚
	prepareOnePhaseRollback
	// 最后参与者的结果未知
	prepareOnePhaseFailed
)

// registeredResources 一个事务的参与者列表, 负责把两阶段提交的每一步分发给各个参与者
type registeredResources struct {
	list []Resource
	// 最后参与者, 只能一阶段提交
	lps Resource
	// 已经观察到的结果, forget 之后仍然保留
	outcome   heuristic.Outcome
	systemErr error
	logged    bool
}

func (r *registeredResources) add(res Resource) {
	r.list = append(r.list, res)
}

func (r *registeredResources) addLastParticipant(res Resource) {
	r.add(res)
	r.lps = res
}

func (r *registeredResources) len() int {
	return len(r.list)
}

func (r *registeredResources) addOutcome(o heuristic.Outcome) {
	r.outcome = heuristic.Combine(r.outcome, o)
}

// byPriority 优先级从高到低, 相同优先级保持登记顺序
func (r *registeredResources) byPriority(withLPS bool) []Resource {
	out := make([]Resource, 0, len(r.list))
	for _, res := range r.list {
		if res == r.lps && !withLPS {
			continue
		}
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// needsForget 是否还有参与者停留在启发式状态
func (r *registeredResources) needsForget() bool {
	for _, res := range r.list {
		if heuristic.IsHeuristic(res.Status()) {
			return true
		}
	}
	return false
}

func outcomeOfCode(code xa.Code) heuristic.Outcome {
	switch code {
	case xa.HEURCOM:
		return heuristic.HeuristicCommit
	case xa.HEURRB:
		return heuristic.HeuristicRollback
	case xa.HEURMIX:
		return heuristic.HeuristicMixed
	}
	return heuristic.HeuristicHazard
}

func codeOfOutcome(o heuristic.Outcome) xa.Code {
	switch o {
	case heuristic.HeuristicCommit:
		return xa.HEURCOM
	case heuristic.HeuristicRollback:
		return xa.HEURRB
	case heuristic.HeuristicMixed:
		return xa.HEURMIX
	}
	return xa.HEURHAZ
}

func recoveredFromLog(res Resource) bool {
	xr, ok := res.(*XAResource)
	return ok && xr.Recovered()
}

func rolledBack(res Resource, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRolledBack, res.Describe(), err)
}

// distributeEnd 结束所有参与者上的事务分支关联. 有失败时返回 false, 事务只能回滚
func (r *registeredResources) distributeEnd(ctx context.Context, flags xa.Flags) bool {
	ok := true
	for _, res := range r.list {
		if res.Status() != heuristic.Registered {
			continue
		}
		if err := res.End(ctx, flags); err != nil {
			log.WarnContextf(ctx, "end association failed, resource: %s, err: %v", res.Describe(), err)
			ok = false
		}
	}
	return ok
}

// prepareResource 对单个参与者 prepare 并归类失败
func (r *registeredResources) prepareResource(ctx context.Context, res Resource) (xa.Vote, error) {
	vote, err := res.Prepare(ctx)
	if err == nil {
		return vote, nil
	}
	code := xaCode(err, xa.ERRMERR)
	log.WarnContextf(ctx, "prepare failed, resource: %s, code: %s, err: %v", res.Describe(), code, err)
	switch {
	case code.IsRollback(), code == xa.ERNOTA:
		res.SetStatus(heuristic.RolledBack)
		res.Destroy()
		return xa.VoteRollback, rolledBack(res, err)
	case code == xa.HEURRB:
		res.SetStatus(heuristic.HeuristicRollback)
		return xa.VoteRollback, rolledBack(res, err)
	case code.IsHeuristic():
		o := outcomeOfCode(code)
		res.SetStatus(o)
		r.addOutcome(o)
		return xa.VoteRollback, &HeuristicError{Outcome: o}
	case code == xa.ERRMFAIL:
		// 结果未知, 回滚时仍要通知它
		res.SetStatus(heuristic.Prepared)
		return xa.VoteRollback, rolledBack(res, err)
	}
	res.SetStatus(heuristic.Prepared)
	return xa.VoteRollback, fmt.Errorf("%w: prepare %s: %v", ErrSystem, res.Describe(), err)
}

// distributePrepare 按优先级依次 prepare.
// 最后一个参与者之前没有任何提交票时直接对它一阶段提交.
func (r *registeredResources) distributePrepare(ctx context.Context, subordinate, optimise bool, rollbackOnly func() bool) (prepareResult, error) {
	if subordinate && r.lps != nil {
		return prepareReadOnly, fmt.Errorf("%w: one-phase resource enlisted in subordinate transaction", ErrRolledBack)
	}

	order := r.byPriority(false)
	result := prepareReadOnly
	okVotes := 0
	for i, res := range order {
		if i == len(order)-1 && okVotes == 0 && optimise && r.lps == nil {
			return r.onePhaseOptimise(ctx, res)
		}
		vote, err := r.prepareResource(ctx, res)
		if err != nil {
			return result, err
		}
		if vote == xa.VoteCommit {
			res.SetStatus(heuristic.Prepared)
			okVotes++
			result = prepareOK
		} else {
			res.SetStatus(heuristic.Completed)
			res.Destroy()
		}
		if rollbackOnly() {
			return result, fmt.Errorf("%w: marked rollback only", ErrRolledBack)
		}
	}

	// 只有一个提交票时不必记录日志, 直接提交
	if okVotes == 1 && optimise && r.lps == nil {
		if !r.distributeOutcome(ctx, true) {
			return prepareOnePhase, nil
		}
	}
	return result, nil
}

// onePhaseOptimise 结果是确定的, 启发式结果记录在 outcome 中
func (r *registeredResources) onePhaseOptimise(ctx context.Context, res Resource) (prepareResult, error) {
	err := r.flowCommitOnePhase(ctx, res)
	var herr *HeuristicError
	switch {
	case err == nil, errors.As(err, &herr):
		return prepareOnePhase, nil
	case errors.Is(err, ErrRolledBack):
		return prepareOnePhaseRollback, nil
	}
	return prepareOnePhase, err
}

// flowCommitOnePhase 对单个参与者一阶段提交
func (r *registeredResources) flowCommitOnePhase(ctx context.Context, res Resource) error {
	res.SetStatus(heuristic.CompletingOnePhase)
	err := res.CommitOnePhase(ctx)
	if err == nil {
		res.SetStatus(heuristic.Committed)
		r.addOutcome(heuristic.Committed)
		res.Destroy()
		return nil
	}

	code := xaCode(err, xa.ERRMERR)
	log.WarnContextf(ctx, "commit one phase failed, resource: %s, code: %s, err: %v", res.Describe(), code, err)
	switch {
	case code.IsRollback(), code == xa.ERRMERR:
		res.SetStatus(heuristic.RolledBack)
		r.addOutcome(heuristic.RolledBack)
		res.Destroy()
		return rolledBack(res, err)
	case code == xa.ERNOTA:
		res.SetStatus(heuristic.Completed)
		res.Destroy()
		return rolledBack(res, err)
	case code.IsHeuristic():
		o := outcomeOfCode(code)
		res.SetStatus(o)
		r.addOutcome(o)
		return &HeuristicError{Outcome: o}
	case code == xa.ERRMFAIL:
		// 不知道资源做了什么
		res.SetStatus(heuristic.Completed)
		res.Destroy()
		r.addOutcome(heuristic.HeuristicHazard)
		return &HeuristicError{Outcome: heuristic.HeuristicHazard}
	}
	res.SetStatus(heuristic.Completed)
	res.Destroy()
	r.systemErr = err
	return fmt.Errorf("%w: commit one phase %s: %v", ErrSystem, res.Describe(), err)
}

// commitLastAgent 两阶段参与者都已 prepare 之后对最后参与者一阶段提交.
// xaOK 为 false 时没有需要提交的两阶段参与者, 等同于一阶段优化.
func (r *registeredResources) commitLastAgent(ctx context.Context, xaOK bool, logLPS func(ctx context.Context) error) (prepareResult, error) {
	if !xaOK {
		return r.onePhaseOptimise(ctx, r.lps)
	}
	if err := logLPS(ctx); err != nil {
		return prepareOK, err
	}

	err := r.flowCommitOnePhase(ctx, r.lps)
	var herr *HeuristicError
	switch {
	case err == nil:
		return prepareOK, nil
	case errors.As(err, &herr):
		return prepareOnePhaseFailed, nil
	}
	return prepareOK, err
}

// deliverOutcome 向单个参与者发送提交或回滚, 返回是否需要重试
func (r *registeredResources) deliverOutcome(ctx context.Context, res Resource, commit bool) bool {
	prev := res.Status()
	res.SetStatus(heuristic.Completing)
	var err error
	if commit {
		err = res.Commit(ctx)
	} else {
		err = res.Rollback(ctx)
	}
	if err == nil {
		if commit {
			res.SetStatus(heuristic.Committed)
		} else {
			res.SetStatus(heuristic.RolledBack)
		}
		res.Destroy()
		return false
	}

	code := xaCode(err, xa.ERRMFAIL)
	log.WarnContextf(ctx, "deliver outcome failed, commit: %t, resource: %s, code: %s, err: %v", commit, res.Describe(), code, err)
	switch {
	case code.IsHeuristic():
		// 等待 forget
		res.SetStatus(outcomeOfCode(code))
	case code == xa.ERRMERR:
		// 资源管理器已经回滚并丢弃了分支
		res.SetStatus(heuristic.RolledBack)
		res.Destroy()
	case code == xa.ERRMFAIL && !commit && prev == heuristic.Registered:
		// 没有 prepare 过的分支会被资源管理器自行回滚
		res.SetStatus(heuristic.RolledBack)
		res.Destroy()
	case code == xa.ERRMFAIL, code == xa.RETRY:
		return true
	case code == xa.ERNOTA:
		res.SetStatus(heuristic.Completed)
		res.Destroy()
		// 第一次提交就不认识分支, 无法确定它做了什么. 恢复出来的分支可能在宕机前已经提交
		if commit && prev == heuristic.Prepared && !recoveredFromLog(res) {
			r.addOutcome(heuristic.HeuristicHazard)
		}
	case code.IsRollback():
		res.SetStatus(heuristic.RolledBack)
		res.Destroy()
	default:
		res.SetStatus(heuristic.Completed)
		res.Destroy()
		r.systemErr = err
	}
	return false
}

// distributeOutcome 按优先级向所有未完成的参与者发送结果, 返回是否需要重试
func (r *registeredResources) distributeOutcome(ctx context.Context, commit bool) bool {
	retry := false
	for _, res := range r.byPriority(true) {
		switch res.Status() {
		case heuristic.Registered, heuristic.Prepared, heuristic.Completing:
		default:
			continue
		}
		if r.deliverOutcome(ctx, res, commit) {
			retry = true
		}
	}
	statuses := make([]heuristic.Outcome, 0, len(r.list))
	for _, res := range r.list {
		statuses = append(statuses, res.Status())
	}
	r.addOutcome(heuristic.Fold(statuses...))
	return retry
}

// distributeForget 让处于启发式状态的参与者忘记分支, 返回是否需要重试
func (r *registeredResources) distributeForget(ctx context.Context) bool {
	retry := false
	for _, res := range r.list {
		if !heuristic.IsHeuristic(res.Status()) {
			continue
		}
		err := res.Forget(ctx)
		code := xaCode(err, xa.ERRMFAIL)
		switch {
		case err == nil, code == xa.ERNOTA:
			res.SetStatus(heuristic.Completed)
			res.Destroy()
		case code == xa.ERRMERR, code == xa.ERRMFAIL, code == xa.RETRY:
			log.WarnContextf(ctx, "forget failed, will retry, resource: %s, err: %v", res.Describe(), err)
			retry = true
		default:
			log.ErrorContextf(ctx, "forget failed, resource: %s, err: %v", res.Describe(), err)
			res.SetStatus(heuristic.Completed)
			res.Destroy()
			r.systemErr = err
		}
	}
	return retry
}

// giveUp 重试次数用完, 结果无法确定
func (r *registeredResources) giveUp() {
	for _, res := range r.list {
		switch res.Status() {
		case heuristic.Completed, heuristic.Committed, heuristic.RolledBack:
		default:
			res.SetStatus(heuristic.Completed)
			r.addOutcome(heuristic.HeuristicHazard)
		}
		res.Destroy()
	}
}

// logResources 把已 prepare 且可恢复的参与者写入事务日志, 只写一次
func (r *registeredResources) logResources(ctx context.Context, state *TransactionState) error {
	if r.logged {
		return nil
	}
	if state.LoggingFailed() {
		return fmt.Errorf("%w: transaction log disabled", ErrSystem)
	}
	var section recoverylog.Section
	for _, res := range r.list {
		if res.Status() != heuristic.Prepared || res.RecoveryID() == 0 {
			continue
		}
		data, err := encodeResourceRecord(res.RecoveryID(), res.XID())
		if err != nil {
			return fmt.Errorf("%w: encode resource record: %v", ErrSystem, err)
		}
		if section == nil {
			if section, err = state.Section(ctx, recoverylog.SectionResources, false); err != nil {
				return fmt.Errorf("%w: create resources section: %v", ErrSystem, err)
			}
		}
		if err = section.AddData(ctx, data); err != nil {
			return fmt.Errorf("%w: log resource: %v", ErrSystem, err)
		}
	}
	r.logged = true
	return nil
}
