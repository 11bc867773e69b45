package partner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
)

var (
	// ErrTerminating 条目已经开始终止, 不再写日志
	ErrTerminating = errors.New("partner: entry is terminating")
	// ErrNoLog 表没有关联恢复日志
	ErrNoLog = errors.New("partner: no recovery log")
)

// LogData 伙伴表中的一个条目
type LogData struct {
	mu sync.Mutex

	descriptor []byte
	wrapper    Wrapper
	kinds      Kinds
	rlog       recoverylog.Log
	unit       recoverylog.RecoverableUnit

	recoveryID   int64
	index        int
	inUse        int
	recovered    bool
	terminating  bool
	loggedToDisk bool
}

// registrationRef 注册时持有的引用, 注册信息一直有效, 不随事务释放
const registrationRef = 1

// newLogData 新注册的条目, 引用计数为 registrationRef
func newLogData(w Wrapper, descriptor []byte, rlog recoverylog.Log, kinds Kinds) *LogData {
	return &LogData{descriptor: descriptor, wrapper: w, rlog: rlog, kinds: kinds, inUse: registrationRef}
}

// recoveredLogData 从日志恢复出来的条目, 引用计数为 0, Wrapper 需要 Deserialize 后才可用
func recoveredLogData(unit recoverylog.RecoverableUnit, descriptor []byte, rlog recoverylog.Log, kinds Kinds) *LogData {
	return &LogData{
		descriptor:   descriptor,
		rlog:         rlog,
		kinds:        kinds,
		unit:         unit,
		recoveryID:   unit.ID(),
		loggedToDisk: true,
	}
}

// Index 在表中的位置, 从 1 开始
func (d *LogData) Index() int {
	return d.index
}

func (d *LogData) RecoveryID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveryID
}

func (d *LogData) Descriptor() []byte {
	return d.descriptor
}

// Wrapper 还没有 Deserialize 的恢复条目返回 nil
func (d *LogData) Wrapper() Wrapper {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrapper
}

// Deserialize 还原 Wrapper, 已经还原过时直接返回
func (d *LogData) Deserialize() (Wrapper, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wrapper != nil {
		return d.wrapper, nil
	}
	w, err := d.kinds.Decode(d.descriptor)
	if err != nil {
		return nil, err
	}
	d.wrapper = w
	return w, nil
}

// Describe 没有 Wrapper 时退化为描述字节
func (d *LogData) Describe() string {
	if w := d.Wrapper(); w != nil {
		return w.Describe()
	}
	return string(d.descriptor)
}

func (d *LogData) InUseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

func (d *LogData) IncrementCount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inUse++
}

func (d *LogData) DecrementCount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse > 0 {
		d.inUse--
	}
}

func (d *LogData) LoggedToDisk() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loggedToDisk
}

func (d *LogData) Recovered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recovered
}

// SetRecovered 条目引用的事务全部恢复完成后置位, shutdown 时删除其日志记录
func (d *LogData) SetRecovered(recovered bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovered = recovered
}

// Terminate 之后 LogRecoveryEntry 都会失败
func (d *LogData) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminating = true
}

// LogRecoveryEntry 还没有写入日志时写入描述并强制落盘
func (d *LogData) LogRecoveryEntry(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminating {
		return ErrTerminating
	}
	if d.loggedToDisk {
		return nil
	}
	if d.rlog == nil {
		return ErrNoLog
	}

	if d.unit == nil {
		unit, err := d.rlog.CreateRecoverableUnit(ctx)
		if err != nil {
			return fmt.Errorf("create partner unit: %w", err)
		}
		d.unit = unit
	}
	section := d.unit.LookupSection(recoverylog.SectionPartner)
	if section == nil {
		var err error
		if section, err = d.unit.CreateSection(ctx, recoverylog.SectionPartner, true); err != nil {
			return fmt.Errorf("create partner section: %w", err)
		}
	}
	// 上一次写入之后强制落盘失败时不必重复写
	if !bytes.Equal(section.LastData(), d.descriptor) {
		if err := section.AddData(ctx, d.descriptor); err != nil {
			return fmt.Errorf("write partner descriptor: %w", err)
		}
	}
	if err := d.unit.ForceSections(ctx); err != nil {
		return fmt.Errorf("force partner unit: %w", err)
	}
	d.recoveryID = d.unit.ID()
	d.loggedToDisk = true
	log.DebugContextf(ctx, "partner logged, index: %d, recovery id: %d", d.index, d.recoveryID)
	return nil
}

// ClearIfNotInUse 已写入日志且没有事务引用时删除日志记录.
// 删除失败只记录, 留给之后的清理.
func (d *LogData) ClearIfNotInUse(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loggedToDisk || d.inUse != 0 {
		return false
	}
	return d.removeLocked(ctx)
}

func (d *LogData) removeLocked(ctx context.Context) bool {
	if err := d.rlog.RemoveRecoverableUnit(ctx, d.recoveryID); err != nil && !errors.Is(err, recoverylog.ErrUnitNotFound) {
		log.WarnContextf(ctx, "remove partner entry failed, index: %d, recovery id: %d, err: %v", d.index, d.recoveryID, err)
		return false
	}
	d.unit = nil
	d.recoveryID = 0
	d.loggedToDisk = false
	return true
}
