package txmanager

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Completer 两阶段提交中参与者一侧的操作, 失败时返回 *xa.Error
type Completer interface {
	Prepare(ctx context.Context) (xa.Vote, error)
	Commit(ctx context.Context) error
	CommitOnePhase(ctx context.Context) error
	Rollback(ctx context.Context) error
	Forget(ctx context.Context) error
}

// Resource 事务中一个参与者的适配器, 每种资源一个实现
type Resource interface {
	Completer
	Start(ctx context.Context, flags xa.Flags) error
	End(ctx context.Context, flags xa.Flags) error
	// Destroy 释放恢复时打开的连接, 只生效一次
	Destroy()

	Status() heuristic.Outcome
	SetStatus(status heuristic.Outcome)
	XID() xa.Xid
	// RecoveryID 伙伴日志中的标识, 不需要恢复的资源为 0
	RecoveryID() int64
	Priority() int
	Describe() string
}

// resourceRecordSize 资源段中一条记录的定长部分: 伙伴标识
const resourceRecordSize = 8

// encodeResourceRecord 伙伴标识 + xid 的二进制编码
func encodeResourceRecord(recoveryID int64, xid xa.Xid) ([]byte, error) {
	data, err := xid.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, resourceRecordSize+len(data))
	binary.BigEndian.PutUint64(out, uint64(recoveryID))
	copy(out[resourceRecordSize:], data)
	return out, nil
}

func decodeResourceRecord(data []byte) (int64, xa.Xid, error) {
	if len(data) < resourceRecordSize {
		return 0, xa.Xid{}, fmt.Errorf("%w: resource record length %d", recoverylog.ErrLogCorrupt, len(data))
	}
	xid, err := xa.UnmarshalXid(data[resourceRecordSize:])
	if err != nil {
		return 0, xa.Xid{}, fmt.Errorf("%w: %v", recoverylog.ErrLogCorrupt, err)
	}
	return int64(binary.BigEndian.Uint64(data)), xid, nil
}

// xaCode 取出返回码. 驱动返回的普通错误按 fallback 处理
func xaCode(err error, fallback xa.Code) xa.Code {
	if code, ok := xa.CodeOf(err); ok {
		return code
	}
	return fallback
}

// asXAError 保证返回给调用方的是 *xa.Error
func asXAError(err error, fallback xa.Code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if _, ok := xa.CodeOf(err); ok {
		return err
	}
	return xa.WrapError(fallback, err, format, args...)
}

// encodeRecoveryID 上级伙伴段中的一条记录
func encodeRecoveryID(id int64) []byte {
	out := make([]byte, resourceRecordSize)
	binary.BigEndian.PutUint64(out, uint64(id))
	return out
}

func decodeRecoveryID(data []byte) (int64, error) {
	if len(data) != resourceRecordSize {
		return 0, fmt.Errorf("%w: recovery id length %d", recoverylog.ErrLogCorrupt, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
