package txmanager

import (
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
)

var (
	// ErrIllegalState 调用发生在不允许的事务状态下
	ErrIllegalState = errors.New("txmanager: illegal transaction state")
	// ErrRolledBack 提交请求的结果是回滚
	ErrRolledBack = errors.New("txmanager: transaction rolled back")
	// ErrSystem 协调者内部错误, 例如恢复日志写入失败
	ErrSystem = errors.New("txmanager: system error")
	// ErrReplayIncomplete 启动恢复尚未完成
	ErrReplayIncomplete = errors.New("txmanager: recovery replay not complete")
	// ErrHeuristic 参与者做出了启发式决定
	ErrHeuristic = errors.New("txmanager: heuristic outcome")
	// ErrInvalidStateTransition 状态机中不存在的迁移
	ErrInvalidStateTransition = errors.New("txmanager: invalid state transition")

	ErrUnknownResource = errors.New("txmanager: unknown resource index")
	ErrUnknownFactory  = errors.New("txmanager: unknown resource factory")
	ErrStopped         = errors.New("txmanager: manager stopped")
)

// HeuristicError 向事务的调用方报告启发式结果
type HeuristicError struct {
	Outcome heuristic.Outcome
}

func (e *HeuristicError) Error() string {
	return fmt.Sprintf("txmanager: heuristic outcome %s", e.Outcome)
}

func (e *HeuristicError) Unwrap() error {
	return ErrHeuristic
}

// OutcomeOf 取出 err 链上的启发式结果
func OutcomeOf(err error) (heuristic.Outcome, bool) {
	var herr *HeuristicError
	if errors.As(err, &herr) {
		return herr.Outcome, true
	}
	return heuristic.None, false
}

// TXStatus 对外暴露的事务状态
type TXStatus string

const (
	TXActive         TXStatus = "active"
	TXMarkedRollback TXStatus = "marked_rollback"
	TXPreparing      TXStatus = "preparing"
	TXPrepared       TXStatus = "prepared"
	TXCommitting     TXStatus = "committing"
	TXCommitted      TXStatus = "committed"
	TXRollingBack    TXStatus = "rolling_back"
	TXRolledBack     TXStatus = "rolledback"
	// 启发式状态, 等待 forget
	TXUnknown       TXStatus = "unknown"
	TXNoTransaction TXStatus = "no_transaction"
)

func (t TXStatus) String() string {
	return string(t)
}

// Direction 结果未知时的启发式完成方向
type Direction string

const (
	DirectionRollback Direction = "rollback"
	DirectionCommit   Direction = "commit"
	// DirectionManual 等待人工处理
	DirectionManual Direction = "manual"
)

func (d Direction) String() string {
	return string(d)
}

// ParseDirection 无法识别时返回 DirectionRollback
func ParseDirection(s string) Direction {
	switch Direction(s) {
	case DirectionCommit:
		return DirectionCommit
	case DirectionManual:
		return DirectionManual
	}
	return DirectionRollback
}
