// Package syncs 保存事务的完成回调, 按四个层级排序分发.
package syncs

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// Tier 回调层级
type Tier int

const (
	TierOuter Tier = iota
	TierNormal
	TierInner
	// TierRRS 总是在 before 阶段最后、after 阶段最先执行
	TierRRS

	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierOuter:
		return "outer"
	case TierNormal:
		return "normal"
	case TierInner:
		return "inner"
	case TierRRS:
		return "rrs"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Status 事务完成状态, 传给 AfterCompletion
type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolledback"
	}
	return "unknown"
}

// Synchronization 完成回调
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status)
}

// DefaultDepthLimit before 阶段允许回调追加新回调的最大轮数
const DefaultDepthLimit = 16

var (
	// ErrRecursionLimit before 阶段回调不断注册新回调, 超出深度上限
	ErrRecursionLimit = errors.New("syncs: before completion recursion limit exceeded")
	ErrInvalidTier    = errors.New("syncs: invalid tier")
	// ErrNotActive after 阶段开始后不再接受注册
	ErrNotActive = errors.New("syncs: transaction no longer accepts synchronizations")
	// ErrCallbackPanic before 回调 panic
	ErrCallbackPanic = errors.New("syncs: before completion panicked")
)

// BeforeCompletionError before 阶段某个回调失败, 事务需要回滚
type BeforeCompletionError struct {
	Tier Tier
	Err  error
}

func (e *BeforeCompletionError) Error() string {
	return fmt.Sprintf("syncs: %s tier before completion failed: %v", e.Tier, e.Err)
}

func (e *BeforeCompletionError) Unwrap() error {
	return e.Err
}

// Registered 一个事务的全部回调, 只由驱动该事务完成的 goroutine 访问
type Registered struct {
	tiers      [numTiers][]Synchronization
	depthLimit int
	closed     bool
}

// New depthLimit <= 0 时使用默认值
func New(depthLimit int) *Registered {
	if depthLimit <= 0 {
		depthLimit = DefaultDepthLimit
	}
	return &Registered{depthLimit: depthLimit}
}

// Add 注册回调. before 阶段中的回调也可以调用, 新回调会在后续轮次中执行
func (r *Registered) Add(sync Synchronization, tier Tier) error {
	if tier < 0 || tier >= numTiers {
		return fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}
	if r.closed {
		return ErrNotActive
	}
	r.tiers[tier] = append(r.tiers[tier], sync)
	return nil
}

// Len 已注册回调总数
func (r *Registered) Len() int {
	n := 0
	for _, list := range r.tiers {
		n += len(list)
	}
	return n
}

// DistributeBefore 依次执行 outer, normal, inner, 最后 rrs.
// 每次某层游标追上上一轮记录的末尾而该层又增长时深度计数加一, 超过上限返回 ErrRecursionLimit.
func (r *Registered) DistributeBefore(ctx context.Context) error {
	var cursors [numTiers]int
	depth := 0
	for {
		grew := false
		for tier := TierOuter; tier < TierRRS; tier++ {
			end := len(r.tiers[tier])
			for {
				for cursors[tier] < end {
					sync := r.tiers[tier][cursors[tier]]
					cursors[tier]++
					if err := beforeOne(ctx, sync); err != nil {
						log.ErrorContextf(ctx, "before completion failed, tier: %s, err: %v", tier, err)
						return &BeforeCompletionError{Tier: tier, Err: err}
					}
				}
				if len(r.tiers[tier]) == end {
					break
				}
				// 回调在本层追加了新回调
				depth++
				if depth > r.depthLimit {
					return fmt.Errorf("%w: depth %d, limit %d", ErrRecursionLimit, depth, r.depthLimit)
				}
				end = len(r.tiers[tier])
				grew = true
			}
		}

		// 靠后的层级可能给靠前的层级追加了回调
		pending := false
		for tier := TierOuter; tier < TierRRS; tier++ {
			if cursors[tier] < len(r.tiers[tier]) {
				pending = true
			}
		}
		if !pending {
			break
		}
		if !grew {
			depth++
			if depth > r.depthLimit {
				return fmt.Errorf("%w: depth %d, limit %d", ErrRecursionLimit, depth, r.depthLimit)
			}
		}
	}

	// rrs 层的失败只记录, 不改变事务结果
	for i := 0; i < len(r.tiers[TierRRS]); i++ {
		if err := beforeOne(ctx, r.tiers[TierRRS][i]); err != nil {
			log.WarnContextf(ctx, "rrs before completion failed, ignored, err: %v", err)
		}
	}
	return nil
}

// DistributeAfter 以相反顺序执行 after 回调, 失败只记录
func (r *Registered) DistributeAfter(ctx context.Context, status Status) {
	r.closed = true
	for tier := TierRRS; tier >= TierOuter; tier-- {
		for _, sync := range r.tiers[tier] {
			r.afterOne(ctx, tier, sync, status)
		}
	}
}

// beforeOne 回调 panic 按失败处理
func beforeOne(ctx context.Context, sync Synchronization) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, p)
		}
	}()
	return sync.BeforeCompletion(ctx)
}

func (r *Registered) afterOne(ctx context.Context, tier Tier, sync Synchronization, status Status) {
	defer func() {
		if p := recover(); p != nil {
			log.ErrorContextf(ctx, "after completion panicked, tier: %s, status: %s, panic: %v", tier, status, p)
		}
	}()
	sync.AfterCompletion(ctx, status)
}
