// Package heuristic 合并各参与者上报的完成状态, 得到事务整体最坏情况的结果.
package heuristic

// Outcome 参与者状态 / 启发式结果
type Outcome int

const (
	None Outcome = iota
	Registered
	Prepared
	Completing
	// Completed 只读投票或者 NOTA 清理后的状态, 不携带结果信息
	Completed
	Committed
	RolledBack
	HeuristicCommit
	HeuristicRollback
	HeuristicMixed
	HeuristicHazard
	CompletingOnePhase

	numOutcomes
)

var names = [...]string{
	None:               "NONE",
	Registered:         "REGISTERED",
	Prepared:           "PREPARED",
	Completing:         "COMPLETING",
	Completed:          "COMPLETED",
	Committed:          "COMMITTED",
	RolledBack:         "ROLLEDBACK",
	HeuristicCommit:    "HEURISTIC_COMMIT",
	HeuristicRollback:  "HEURISTIC_ROLLBACK",
	HeuristicMixed:     "HEURISTIC_MIXED",
	HeuristicHazard:    "HEURISTIC_HAZARD",
	CompletingOnePhase: "COMPLETING_ONE_PHASE",
}

func (o Outcome) String() string {
	if o < 0 || o >= numOutcomes {
		return "UNKNOWN"
	}
	return names[o]
}

// Valid 是否为已定义的取值
func (o Outcome) Valid() bool {
	return o >= 0 && o < numOutcomes
}

// IsHeuristic 四种启发式结果
func IsHeuristic(o Outcome) bool {
	switch o {
	case HeuristicCommit, HeuristicRollback, HeuristicMixed, HeuristicHazard:
		return true
	}
	return false
}

// 合并表, 只填 a <= b 的上三角, 查表时交换操作数
var table [numOutcomes][numOutcomes]Outcome

func init() {
	for a := None; a < numOutcomes; a++ {
		for b := a; b < numOutcomes; b++ {
			table[a][b] = join(a, b)
		}
	}
}

// Combine 把两个参与者的结果合并成整体结果, 满足交换律、结合律、幂等
func Combine(a, b Outcome) Outcome {
	if !a.Valid() || !b.Valid() {
		return HeuristicHazard
	}
	if a > b {
		a, b = b, a
	}
	return table[a][b]
}

// Fold 从左到右合并所有结果
func Fold(outcomes ...Outcome) Outcome {
	result := None
	for _, o := range outcomes {
		result = Combine(result, o)
	}
	return result
}

func inFlight(o Outcome) bool {
	switch o {
	case Registered, Prepared, Completing, CompletingOnePhase:
		return true
	}
	return false
}

// 进行中的状态按推进程度排序
func progress(o Outcome) int {
	switch o {
	case Registered:
		return 1
	case Prepared:
		return 2
	case Completing:
		return 3
	case CompletingOnePhase:
		return 4
	}
	return 0
}

// join 半格上的上确界:
//
//	None < Completed < 进行中 < {Committed, RolledBack} < {HeuristicCommit, HeuristicRollback} < HeuristicMixed < HeuristicHazard
//
// 其中 Committed < HeuristicCommit, RolledBack < HeuristicRollback, 其余跨方向的组合都落到 HeuristicMixed.
func join(a, b Outcome) Outcome {
	switch {
	case a == b:
		return a
	case a == None:
		return b
	case b == None:
		return a
	case a == Completed:
		return b
	case b == Completed:
		return a
	case a == HeuristicHazard || b == HeuristicHazard:
		return HeuristicHazard
	case a == HeuristicMixed || b == HeuristicMixed:
		return HeuristicMixed
	case inFlight(a) && inFlight(b):
		if progress(a) > progress(b) {
			return a
		}
		return b
	case inFlight(a):
		return b
	case inFlight(b):
		return a
	}

	// 剩下的都是 Committed/RolledBack/HeuristicCommit/HeuristicRollback 两两不同的组合
	commitSide := func(o Outcome) bool { return o == Committed || o == HeuristicCommit }
	if commitSide(a) == commitSide(b) {
		// 同一方向, 取启发式的那一个
		if IsHeuristic(a) {
			return a
		}
		return b
	}
	return HeuristicMixed
}
