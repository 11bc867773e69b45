package partner

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
)

// Table 一个故障域内的伙伴表. 只追加, 条目序号一经分配不再改变
type Table struct {
	mu      sync.RWMutex
	entries []*LogData
	rlog    recoverylog.Log
	kinds   Kinds
}

// NewTable kinds 为 nil 时使用 DefaultKinds
func NewTable(rlog recoverylog.Log, kinds Kinds) *Table {
	if kinds == nil {
		kinds = DefaultKinds()
	}
	return &Table{rlog: rlog, kinds: kinds}
}

// Log 关联的恢复日志, 可能为 nil
func (t *Table) Log() recoverylog.Log {
	return t.rlog
}

// Kinds 已知的伙伴类型
func (t *Table) Kinds() Kinds {
	return t.kinds
}

// FindEntry 查找逻辑上相同的伙伴, 不存在时新建. 扫描和插入都在写锁内完成
func (t *Table) FindEntry(w Wrapper) (*LogData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if existing := e.Wrapper(); existing != nil && existing.IsSameAs(w) {
			return e, nil
		}
	}

	descriptor, err := Encode(w)
	if err != nil {
		return nil, fmt.Errorf("partner: encode %s: %w", w.Describe(), err)
	}
	// 恢复出来但还没有 Deserialize 的条目按描述字节比较
	for _, e := range t.entries {
		if e.Wrapper() == nil && bytes.Equal(e.descriptor, descriptor) {
			if _, err := e.Deserialize(); err == nil {
				return e, nil
			}
		}
	}

	e := newLogData(w, descriptor, t.rlog, t.kinds)
	t.appendLocked(e)
	return e, nil
}

// FindEntryByRecoveryID 重连和恢复时按日志标识查找
func (t *Table) FindEntryByRecoveryID(id int64) *LogData {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == 0 {
		return nil
	}
	for _, e := range t.entries {
		if e.RecoveryID() == id {
			return e
		}
	}
	return nil
}

// EntryAt index 从 1 开始, 越界返回 nil
func (t *Table) EntryAt(index int) *LogData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 1 || index > len(t.entries) {
		return nil
	}
	return t.entries[index-1]
}

// Entries 当前所有条目的快照
func (t *Table) Entries() []*LogData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*LogData(nil), t.entries...)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) appendLocked(e *LogData) {
	t.entries = append(t.entries, e)
	e.index = len(t.entries)
}

// Load 从伙伴日志重建条目, 恢复出来的条目引用计数为 0, Wrapper 尚未还原
func (t *Table) Load(ctx context.Context) (int, error) {
	if t.rlog == nil {
		return 0, ErrNoLog
	}
	units, err := t.rlog.RecoverableUnits(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	loaded := 0
	for _, unit := range units {
		section := unit.LookupSection(recoverylog.SectionPartner)
		if section == nil || section.LastData() == nil {
			log.WarnContextf(ctx, "partner unit without descriptor, id: %d", unit.ID())
			continue
		}
		t.appendLocked(recoveredLogData(unit, section.LastData(), t.rlog, t.kinds))
		loaded++
	}
	return loaded, nil
}

// Merge 把恢复期间使用的表并入运行时的表.
// 后出现的已恢复条目如果与前面一个未恢复条目重复, 它的 recovered 标记被清除.
func (t *Table) Merge(incoming *Table) {
	if incoming == nil || incoming == t {
		return
	}
	others := incoming.Entries()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range others {
		if e.Recovered() {
			for _, prev := range t.entries {
				if !prev.Recovered() && bytes.Equal(prev.descriptor, e.descriptor) {
					e.SetRecovered(false)
					break
				}
			}
		}
		t.appendLocked(e)
	}
}

// ClearUnused 删除所有已写入日志且不再被引用的条目, 返回删除的数量
func (t *Table) ClearUnused(ctx context.Context) int {
	cleared := 0
	for _, e := range t.Entries() {
		if e.ClearIfNotInUse(ctx) {
			cleared++
		}
	}
	return cleared
}

// Shutdown 删除已恢复条目的日志记录. 返回是否仍有记录需要下次启动处理
func (t *Table) Shutdown(ctx context.Context) bool {
	remaining := false
	for _, e := range t.Entries() {
		e.Terminate()
		e.mu.Lock()
		switch {
		case e.recovered && e.loggedToDisk:
			if !e.removeLocked(ctx) {
				remaining = true
			}
		case !e.recovered && !e.loggedToDisk && e.inUse > registrationRef:
			log.WarnContextf(ctx, "partner in use but never logged, index: %d, partner: %s", e.index, string(e.descriptor))
		case e.loggedToDisk:
			remaining = true
		}
		e.mu.Unlock()
	}
	return remaining
}
