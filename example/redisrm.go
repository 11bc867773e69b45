package example

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/xa"
	"github.com/xiaoxuxiansheng/redis_lock"
)

// TXStatus 资源管理器侧记录的一个事务分支的状态
type TXStatus string

func (t TXStatus) String() string {
	return string(t)
}

const (
	TXActive       TXStatus = "active"        // xa_start 之后
	TXIdle         TXStatus = "idle"          // xa_end 成功
	TXRollbackOnly TXStatus = "rollback_only" // xa_end 带 TMFAIL
	TXPrepared     TXStatus = "prepared"
	TXCommitted    TXStatus = "committed"
	TXRolledBack   TXStatus = "rolledback"
)

// DataStatus 业务数据的状态
type DataStatus string

func (d DataStatus) String() string {
	return string(d)
}

const (
	DataFrozen     DataStatus = "frozen"     // 冻结态
	DataSuccessful DataStatus = "successful" // 成功态
)

// ErrDataOccupied 业务数据已被其他分支冻结或已使用
var ErrDataOccupied = errors.New("data frozen or used by another branch")

// Store 资源管理器用到的 kv 操作, 由 *redis_lock.Client 实现
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) (int64, error)
	SetNX(ctx context.Context, key, value string) (int64, error)
	Del(ctx context.Context, key string) error
}

// Mutex 分布式锁
type Mutex interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RedisRM 基于 redis 的 XA 资源管理器, 用冻结业务键的方式模拟本地事务
type RedisRM struct {
	id      string // 资源管理器唯一标识 id，构造时由使用方传入
	store   Store
	newLock func(key string) Mutex

	mu      sync.Mutex
	current xa.Xid // 当前关联的分支
}

func NewRedisRM(id string, client *redis_lock.Client) *RedisRM {
	return newRedisRM(id, client, func(key string) Mutex {
		return redis_lock.NewRedisLock(key, client)
	})
}

func newRedisRM(id string, store Store, newLock func(key string) Mutex) *RedisRM {
	return &RedisRM{
		id:      id,
		store:   store,
		newLock: newLock,
	}
}

// ID 返回资源管理器的唯一标识 id
func (r *RedisRM) ID() string {
	return r.id
}

func xidKey(xid xa.Xid) (string, error) {
	b, err := xid.MarshalBinary()
	if err != nil {
		return "", xa.WrapError(xa.ERINVAL, err, "marshal xid")
	}
	return hex.EncodeToString(b), nil
}

// withBranchLock 基于分支维度加锁后执行 fn
func (r *RedisRM) withBranchLock(ctx context.Context, xid xa.Xid, fn func(key string) error) error {
	key, err := xidKey(xid)
	if err != nil {
		return err
	}
	lock := r.newLock(pkg.BuildTXLockKey(r.id, key))
	if err := lock.Lock(ctx); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "lock branch %s", xid)
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()
	return fn(key)
}

// status 分支不存在时返回空串
func (r *RedisRM) status(ctx context.Context, key string) (TXStatus, error) {
	status, err := r.store.Get(ctx, pkg.BuildTXKey(r.id, key))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", xa.WrapError(xa.ERRMFAIL, err, "get tx status")
	}
	return TXStatus(status), nil
}

func (r *RedisRM) setStatus(ctx context.Context, key string, status TXStatus) error {
	if _, err := r.store.Set(ctx, pkg.BuildTXKey(r.id, key), status.String()); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "set tx status")
	}
	return nil
}

// bizID 分支冻结的业务键, 没有冻结过返回空串
func (r *RedisRM) bizID(ctx context.Context, key string) (string, error) {
	bizID, err := r.store.Get(ctx, pkg.BuildTXDetailKey(r.id, key))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", xa.WrapError(xa.ERRMFAIL, err, "get tx detail")
	}
	return bizID, nil
}

func (r *RedisRM) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	err := r.withBranchLock(ctx, xid, func(key string) error {
		if flags&(xa.TMJOIN|xa.TMRESUME) == 0 {
			// 新分支, 要求从零到一创建
			reply, err := r.store.SetNX(ctx, pkg.BuildTXKey(r.id, key), TXActive.String())
			if err != nil {
				return xa.WrapError(xa.ERRMFAIL, err, "create branch")
			}
			if reply != 1 {
				return xa.NewError(xa.ERDUPID, "branch %s exists", xid)
			}
			return nil
		}

		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		switch status {
		case TXActive, TXIdle:
			return r.setStatus(ctx, key, TXActive)
		case "":
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		default:
			return xa.NewError(xa.ERPROTO, "branch %s in status %s", xid, status)
		}
	})
	if err != nil {
		return err
	}
	r.associate(xid)
	return nil
}

func (r *RedisRM) associate(xid xa.Xid) {
	r.mu.Lock()
	r.current = xid
	r.mu.Unlock()
}

// Freeze 在当前关联的分支内冻结业务键, 同一个业务键同一时间只能被一个分支冻结
func (r *RedisRM) Freeze(ctx context.Context, bizID string) error {
	r.mu.Lock()
	xid := r.current
	r.mu.Unlock()
	if xid.IsZero() {
		return xa.NewError(xa.EROUTSIDE, "freeze %s outside of a branch", bizID)
	}
	return r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		if status != TXActive {
			return xa.NewError(xa.ERPROTO, "freeze on branch %s in status %q", xid, status)
		}

		frozen, err := r.bizID(ctx, key)
		if err != nil {
			return err
		}
		if frozen == bizID {
			return nil
		}
		if frozen != "" {
			return xa.NewError(xa.ERINVAL, "branch %s already froze %s", xid, frozen)
		}

		reply, err := r.store.SetNX(ctx, pkg.BuildDataKey(r.id, bizID), DataFrozen.String())
		if err != nil {
			return xa.WrapError(xa.ERRMFAIL, err, "freeze data")
		}
		// 倘若数据此前已冻结或已使用，则拒绝本次冻结
		if reply != 1 {
			return ErrDataOccupied
		}
		if _, err = r.store.Set(ctx, pkg.BuildTXDetailKey(r.id, key), bizID); err != nil {
			return xa.WrapError(xa.ERRMFAIL, err, "set tx detail")
		}
		return nil
	})
}

func (r *RedisRM) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	err := r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		switch status {
		case TXActive, TXIdle:
		case "":
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		default:
			return xa.NewError(xa.ERPROTO, "end on branch %s in status %s", xid, status)
		}
		if flags&xa.TMFAIL != 0 {
			return r.setStatus(ctx, key, TXRollbackOnly)
		}
		return r.setStatus(ctx, key, TXIdle)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.current == xid {
		r.current = xa.Xid{}
	}
	r.mu.Unlock()
	return nil
}

func (r *RedisRM) Prepare(ctx context.Context, xid xa.Xid) (xa.Code, error) {
	code := xa.OK
	err := r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		switch status {
		case TXPrepared:
			return nil
		case TXRollbackOnly:
			if err := r.undo(ctx, key); err != nil {
				return err
			}
			return xa.NewError(xa.RBROLLBACK, "branch %s marked rollback only", xid)
		case TXActive, TXIdle:
		case "":
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		default:
			return xa.NewError(xa.ERPROTO, "prepare on branch %s in status %s", xid, status)
		}

		bizID, err := r.bizID(ctx, key)
		if err != nil {
			return err
		}
		// 没有冻结任何数据, 只读分支直接结束
		if bizID == "" {
			code = xa.RDONLY
			return r.forget(ctx, key)
		}
		if err := r.setStatus(ctx, key, TXPrepared); err != nil {
			return err
		}
		return r.updateIndex(ctx, key, true)
	})
	if err != nil {
		code, _ = xa.CodeOf(err)
		return code, err
	}
	return code, nil
}

func (r *RedisRM) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	return r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		switch status {
		case TXCommitted: // 重复的 commit 请求，给予成功的响应
			return nil
		case TXPrepared:
		case TXActive, TXIdle:
			if !onePhase {
				return xa.NewError(xa.ERPROTO, "commit on unprepared branch %s", xid)
			}
		case TXRollbackOnly:
			if !onePhase {
				return xa.NewError(xa.ERPROTO, "commit on unprepared branch %s", xid)
			}
			if err := r.undo(ctx, key); err != nil {
				return err
			}
			return xa.NewError(xa.RBROLLBACK, "branch %s marked rollback only", xid)
		case TXRolledBack:
			return xa.NewError(xa.RBROLLBACK, "branch %s rolled back", xid)
		case "":
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		}

		bizID, err := r.bizID(ctx, key)
		if err != nil {
			return err
		}
		if bizID != "" {
			// 校验业务数据此前状态是否为冻结
			dataStatus, err := r.store.Get(ctx, pkg.BuildDataKey(r.id, bizID))
			if err != nil && !errors.Is(err, redis_lock.ErrNil) {
				return xa.WrapError(xa.ERRMFAIL, err, "get data status")
			}
			if dataStatus != DataFrozen.String() {
				return xa.NewError(xa.ERRMERR, "data %s in status %q", bizID, dataStatus)
			}
			if _, err = r.store.Set(ctx, pkg.BuildDataKey(r.id, bizID), DataSuccessful.String()); err != nil {
				return xa.WrapError(xa.ERRMFAIL, err, "set data status")
			}
		}
		if err := r.setStatus(ctx, key, TXCommitted); err != nil {
			return err
		}
		return r.updateIndex(ctx, key, false)
	})
}

func (r *RedisRM) Rollback(ctx context.Context, xid xa.Xid) error {
	return r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		switch status {
		case TXRolledBack:
			return nil
		case TXCommitted:
			// 先 commit 后 rollback，分支已经启发式提交
			return xa.NewError(xa.HEURCOM, "branch %s already committed", xid)
		case "":
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		}
		return r.undo(ctx, key)
	})
}

// undo 删除冻结记录并把分支置为 rolledback
func (r *RedisRM) undo(ctx context.Context, key string) error {
	bizID, err := r.bizID(ctx, key)
	if err != nil {
		return err
	}
	if bizID != "" {
		if err = r.store.Del(ctx, pkg.BuildDataKey(r.id, bizID)); err != nil {
			return xa.WrapError(xa.ERRMFAIL, err, "delete frozen data")
		}
	}
	if err := r.setStatus(ctx, key, TXRolledBack); err != nil {
		return err
	}
	return r.updateIndex(ctx, key, false)
}

func (r *RedisRM) Forget(ctx context.Context, xid xa.Xid) error {
	return r.withBranchLock(ctx, xid, func(key string) error {
		status, err := r.status(ctx, key)
		if err != nil {
			return err
		}
		if status == "" {
			return xa.NewError(xa.ERNOTA, "unknown branch %s", xid)
		}
		return r.forget(ctx, key)
	})
}

func (r *RedisRM) forget(ctx context.Context, key string) error {
	if err := r.store.Del(ctx, pkg.BuildTXDetailKey(r.id, key)); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "delete tx detail")
	}
	if err := r.store.Del(ctx, pkg.BuildTXKey(r.id, key)); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "delete tx status")
	}
	return r.updateIndex(ctx, key, false)
}

// Recover 返回处于 prepared 的分支. 一次扫描返回全部结果, 只在 TMSTARTRSCAN 时返回
func (r *RedisRM) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if flags&xa.TMSTARTRSCAN == 0 {
		return nil, nil
	}
	keys, err := r.indexed(ctx)
	if err != nil {
		return nil, err
	}
	xids := make([]xa.Xid, 0, len(keys))
	for _, key := range keys {
		b, err := hex.DecodeString(key)
		if err != nil {
			return nil, xa.WrapError(xa.ERRMERR, err, "decode index entry %s", key)
		}
		xid, err := xa.UnmarshalXid(b)
		if err != nil {
			return nil, xa.WrapError(xa.ERRMERR, err, "decode index entry %s", key)
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

func (r *RedisRM) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*RedisRM)
	return ok && o.id == r.id
}

func (r *RedisRM) indexed(ctx context.Context) ([]string, error) {
	raw, err := r.store.Get(ctx, pkg.BuildIndexKey(r.id))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return nil, xa.WrapError(xa.ERRMFAIL, err, "get index")
	}
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}

// updateIndex 维护已 prepare 分支的列表, 调用方持有分支锁
func (r *RedisRM) updateIndex(ctx context.Context, key string, add bool) error {
	lock := r.newLock(pkg.BuildIndexLockKey(r.id))
	if err := lock.Lock(ctx); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "lock index")
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	keys, err := r.indexed(ctx)
	if err != nil {
		return err
	}
	next := make([]string, 0, len(keys)+1)
	found := false
	for _, k := range keys {
		if k == key {
			found = true
			if !add {
				continue
			}
		}
		next = append(next, k)
	}
	if add && !found {
		next = append(next, key)
	}
	if !add && !found {
		return nil
	}
	if len(next) == 0 {
		if err := r.store.Del(ctx, pkg.BuildIndexKey(r.id)); err != nil {
			return xa.WrapError(xa.ERRMFAIL, err, "delete index")
		}
		return nil
	}
	if _, err := r.store.Set(ctx, pkg.BuildIndexKey(r.id), strings.Join(next, ",")); err != nil {
		return xa.WrapError(xa.ERRMFAIL, err, "set index")
	}
	return nil
}
