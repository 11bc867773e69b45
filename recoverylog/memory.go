package recoverylog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Op 可注入故障的操作
type Op string

const (
	OpCreateUnit    Op = "create_unit"
	OpRemoveUnit    Op = "remove_unit"
	OpCreateSection Op = "create_section"
	OpAddData       Op = "add_data"
	OpForce         Op = "force"
)

// MemoryLog 内存实现. 只有强制落盘过的数据在 Reopen 之后可见, 用于模拟宕机
type MemoryLog struct {
	name string

	mu     sync.Mutex
	nextID int64
	units  map[int64]*memoryUnit
	faults map[Op][]error
	forces int
}

// NewMemoryLog 新建空日志
func NewMemoryLog(name string) *MemoryLog {
	return &MemoryLog{name: name, units: make(map[int64]*memoryUnit), faults: make(map[Op][]error)}
}

func (m *MemoryLog) Name() string {
	return m.name
}

// FailNext 让接下来一次 op 操作返回 err, 可以多次调用排队
func (m *MemoryLog) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Forces 已经执行的强制落盘次数
func (m *MemoryLog) Forces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forces
}

// Len 当前单元数
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.units)
}

// Reopen 丢弃所有未强制落盘的写入, 返回重启后看到的日志
func (m *MemoryLog) Reopen() *MemoryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := NewMemoryLog(m.name)
	out.nextID = m.nextID
	for id, u := range m.units {
		if !u.durable {
			continue
		}
		nu := &memoryUnit{log: out, id: id, durable: true, sections: make(map[SectionID]*memorySection)}
		for sid, s := range u.sections {
			if len(s.forced) == 0 {
				continue
			}
			nu.sections[sid] = &memorySection{unit: nu, id: sid, single: s.single, data: append([][]byte(nil), s.forced...), forced: append([][]byte(nil), s.forced...)}
		}
		out.units[id] = nu
	}
	return out
}

func (m *MemoryLog) fault(op Op) error {
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return queue[0]
}

func (m *MemoryLog) CreateRecoverableUnit(ctx context.Context) (RecoverableUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpCreateUnit); err != nil {
		return nil, err
	}
	m.nextID++
	u := &memoryUnit{log: m, id: m.nextID, sections: make(map[SectionID]*memorySection)}
	m.units[u.id] = u
	return u, nil
}

func (m *MemoryLog) LookupRecoverableUnit(ctx context.Context, id int64) (RecoverableUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnitNotFound, m.name, id)
	}
	return u, nil
}

func (m *MemoryLog) RemoveRecoverableUnit(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpRemoveUnit); err != nil {
		return err
	}
	if _, ok := m.units[id]; !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnitNotFound, m.name, id)
	}
	delete(m.units, id)
	return nil
}

func (m *MemoryLog) RecoverableUnits(ctx context.Context) ([]RecoverableUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]RecoverableUnit, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.units[id])
	}
	return out, nil
}

type memoryUnit struct {
	log      *MemoryLog
	id       int64
	durable  bool
	sections map[SectionID]*memorySection
}

func (u *memoryUnit) ID() int64 {
	return u.id
}

func (u *memoryUnit) CreateSection(ctx context.Context, id SectionID, singleData bool) (Section, error) {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	if err := u.log.fault(OpCreateSection); err != nil {
		return nil, err
	}
	if _, ok := u.sections[id]; ok {
		return nil, fmt.Errorf("%w: unit %d section %d", ErrSectionExists, u.id, id)
	}
	s := &memorySection{unit: u, id: id, single: singleData}
	u.sections[id] = s
	return s, nil
}

func (u *memoryUnit) LookupSection(id SectionID) Section {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	s, ok := u.sections[id]
	if !ok {
		return nil
	}
	return s
}

func (u *memoryUnit) ForceSections(ctx context.Context) error {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	if err := u.log.fault(OpForce); err != nil {
		return err
	}
	u.log.forces++
	u.durable = true
	for _, s := range u.sections {
		s.forced = append(s.forced[:0:0], s.data...)
	}
	return nil
}

type memorySection struct {
	unit   *memoryUnit
	id     SectionID
	single bool
	data   [][]byte
	forced [][]byte
}

func (s *memorySection) ID() SectionID {
	return s.id
}

func (s *memorySection) AddData(ctx context.Context, data []byte) error {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	if err := s.unit.log.fault(OpAddData); err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	if s.single {
		s.data = [][]byte{cp}
		return nil
	}
	s.data = append(s.data, cp)
	return nil
}

func (s *memorySection) Data() [][]byte {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	return append([][]byte(nil), s.data...)
}

func (s *memorySection) LastData() []byte {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	if len(s.data) == 0 {
		return nil
	}
	return s.data[len(s.data)-1]
}
