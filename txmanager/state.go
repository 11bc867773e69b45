package txmanager

import (
	"context"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// State 事务状态机中的状态. 写入日志时取低 8 位
type State int

const (
	StateNone                State = -1
	StateActive              State = 0
	StatePreparing           State = 1
	StatePrepared            State = 2
	StateCommitting          State = 3
	StateCommitted           State = 4
	StateRollingBack         State = 5
	StateRolledBack          State = 6
	StateHeuristicOnCommit   State = 7
	StateHeuristicOnRollback State = 8
	StateLastParticipant     State = 9
	StateCommittingOnePhase  State = 10
)

var stateNames = map[State]string{
	StateNone:                "NONE",
	StateActive:              "ACTIVE",
	StatePreparing:           "PREPARING",
	StatePrepared:            "PREPARED",
	StateCommitting:          "COMMITTING",
	StateCommitted:           "COMMITTED",
	StateRollingBack:         "ROLLING_BACK",
	StateRolledBack:          "ROLLED_BACK",
	StateHeuristicOnCommit:   "HEURISTIC_ON_COMMIT",
	StateHeuristicOnRollback: "HEURISTIC_ON_ROLLBACK",
	StateLastParticipant:     "LAST_PARTICIPANT",
	StateCommittingOnePhase:  "COMMITTING_ONE_PHASE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// transitions 合法的状态迁移
var transitions = map[State][]State{
	StateActive: {StatePreparing, StateCommitting, StateCommittingOnePhase, StateRollingBack},
	StatePreparing: {StatePrepared, StateCommitting, StateCommitted, StateRollingBack, StateRolledBack,
		StateHeuristicOnCommit, StateHeuristicOnRollback, StateLastParticipant},
	StatePrepared:            {StateCommitted, StateCommitting, StateRollingBack, StateLastParticipant},
	StateCommitting:          {StateCommitted, StateHeuristicOnCommit, StateHeuristicOnRollback},
	StateRollingBack:         {StateRolledBack, StateHeuristicOnCommit, StateHeuristicOnRollback},
	StateHeuristicOnCommit:   {StateCommitted, StateRollingBack},
	StateHeuristicOnRollback: {StateRollingBack},
	StateLastParticipant:     {StatePrepared, StateCommitting, StateRollingBack},
	StateCommittingOnePhase:  {StateCommitted, StateRollingBack},
}

// CanTransition from -> to 是否为合法迁移
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// recoverable 重启后可以继续处理的状态
func recoverable(s State) bool {
	switch s {
	case StatePrepared, StateCommitting, StateCommitted, StateRollingBack, StateRolledBack,
		StateHeuristicOnCommit, StateHeuristicOnRollback, StateLastParticipant:
		return true
	}
	return false
}

type writeMode int

const (
	writeNone writeMode = iota
	// 只有日志单元已经存在时才写
	writeConditional
	// 必要时创建日志单元
	writeUnconditional
)

// TransactionState 事务状态以及它在恢复日志中的记录.
// 不加锁, 由所属 Transaction 的互斥锁保证串行.
type TransactionState struct {
	state       State
	subordinate bool
	xid         xa.Xid
	rlog        recoverylog.Log

	unit    recoverylog.RecoverableUnit
	section recoverylog.Section
	// 第一次写日志失败后不再写
	loggingFailed bool
	buf           [1]byte
}

// NewTransactionState 新事务处于 ACTIVE. rlog 为 nil 时不记录日志
func NewTransactionState(xid xa.Xid, rlog recoverylog.Log, subordinate bool) *TransactionState {
	return &TransactionState{state: StateActive, xid: xid, rlog: rlog, subordinate: subordinate}
}

func (s *TransactionState) State() State {
	return s.state
}

func (s *TransactionState) Subordinate() bool {
	return s.subordinate
}

// Unit 还没有开始记录日志时为 nil
func (s *TransactionState) Unit() recoverylog.RecoverableUnit {
	return s.unit
}

func (s *TransactionState) LoggingFailed() bool {
	return s.loggingFailed
}

func (s *TransactionState) policy(to State) (writeMode, bool) {
	switch to {
	case StateCommitting, StateLastParticipant:
		return writeUnconditional, true
	case StatePrepared:
		if s.subordinate {
			return writeUnconditional, true
		}
	case StateHeuristicOnCommit, StateHeuristicOnRollback:
		if s.subordinate {
			return writeUnconditional, true
		}
		return writeConditional, false
	case StateRollingBack:
		return writeConditional, true
	case StateCommitted, StateRolledBack:
		return writeConditional, false
	}
	return writeNone, false
}

// SetState 迁移到 to 并按规则写日志.
// 写日志失败时状态回退, 之后不再写日志, 返回 ErrSystem.
func (s *TransactionState) SetState(ctx context.Context, to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s.state, to)
	}
	prev := s.state
	s.state = to

	mode, force := s.policy(to)
	if mode == writeNone || s.rlog == nil {
		return nil
	}
	if mode == writeConditional && s.section == nil {
		return nil
	}
	if s.loggingFailed {
		log.WarnContextf(ctx, "transaction log disabled, state %s not logged, xid: %s", to, s.xid)
		return nil
	}

	if err := s.write(ctx, to, force); err != nil {
		s.state = prev
		s.loggingFailed = true
		log.ErrorContextf(ctx, "log state failed, xid: %s, state: %s, err: %v", s.xid, to, err)
		return fmt.Errorf("%w: log state %s: %v", ErrSystem, to, err)
	}
	return nil
}

func (s *TransactionState) write(ctx context.Context, to State, force bool) error {
	if s.section == nil {
		section, err := s.Section(ctx, recoverylog.SectionState, true)
		if err != nil {
			return err
		}
		s.section = section
	}
	s.buf[0] = byte(to)
	if err := s.section.AddData(ctx, s.buf[:]); err != nil {
		return err
	}
	if force {
		return s.unit.ForceSections(ctx)
	}
	return nil
}

// Section 取出或创建日志单元中的一个段. 首次调用时创建日志单元并写入全局事务标识
func (s *TransactionState) Section(ctx context.Context, id recoverylog.SectionID, singleData bool) (recoverylog.Section, error) {
	if s.rlog == nil {
		return nil, fmt.Errorf("%w: no transaction log", ErrSystem)
	}
	if s.unit == nil {
		unit, err := s.rlog.CreateRecoverableUnit(ctx)
		if err != nil {
			return nil, err
		}
		gid, err := unit.CreateSection(ctx, recoverylog.SectionGlobalID, true)
		if err != nil {
			return nil, err
		}
		data, err := s.xid.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err = gid.AddData(ctx, data); err != nil {
			return nil, err
		}
		s.unit = unit
	}
	if section := s.unit.LookupSection(id); section != nil {
		return section, nil
	}
	return s.unit.CreateSection(ctx, id, singleData)
}

// Reconstruct 从日志单元恢复状态. 没有状态段或状态不可恢复时返回 StateNone
func (s *TransactionState) Reconstruct(unit recoverylog.RecoverableUnit) State {
	s.unit = unit
	s.state = StateNone
	section := unit.LookupSection(recoverylog.SectionState)
	if section == nil {
		return StateNone
	}
	data := section.LastData()
	if len(data) != 1 {
		return StateNone
	}
	state := State(int8(data[0]))
	if !recoverable(state) {
		return StateNone
	}
	s.section = section
	s.state = state
	return state
}

// Reset 终态之后回到 NONE, 与日志单元解除关联
func (s *TransactionState) Reset() {
	s.state = StateNone
	s.unit = nil
	s.section = nil
}
