package xa

import "context"

// Resource 资源管理器驱动. 失败时返回 *Error
type Resource interface {
	Start(ctx context.Context, xid Xid, flags Flags) error
	End(ctx context.Context, xid Xid, flags Flags) error
	// Prepare 返回 OK 或 RDONLY
	Prepare(ctx context.Context, xid Xid) (Code, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Recover(ctx context.Context, flags Flags) ([]Xid, error)
	IsSameRM(other Resource) bool
}

// Closer 由恢复时重新打开的连接实现
type Closer interface {
	Close() error
}
