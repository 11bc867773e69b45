// Package gormlog 基于 gorm + mysql 的恢复日志实现.
// 写入先缓存在内存中, ForceSections 时在一个数据库事务里落盘.
package gormlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/goxa/recoverylog"
)

// Log 一个故障域对应一个 Log, 多个故障域可以共用同一组表
type Log struct {
	name string
	db   *gorm.DB

	mu     sync.Mutex
	units  map[int64]*unit
	loaded bool
}

// New 使用已有的 gorm 连接
func New(db *gorm.DB, name string) *Log {
	return &Log{name: name, db: db, units: make(map[int64]*unit)}
}

// Open 用 dsn 建立 mysql 连接
func Open(dsn, name string) (*Log, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(db, name), nil
}

// DB 底层连接
func (l *Log) DB() *gorm.DB {
	return l.db
}

// AutoMigrate 建表
func (l *Log) AutoMigrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&RecoverableUnitPO{}, &LogRecordPO{})
}

func (l *Log) Name() string {
	return l.name
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", recoverylog.ErrLogUnavailable, err)
}

func (l *Log) CreateRecoverableUnit(ctx context.Context) (recoverylog.RecoverableUnit, error) {
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	po := RecoverableUnitPO{LogName: l.name}
	if err := l.db.WithContext(ctx).Create(&po).Error; err != nil {
		return nil, unavailable(err)
	}
	u := newUnit(l, po.ID)
	l.mu.Lock()
	l.units[po.ID] = u
	l.mu.Unlock()
	return u, nil
}

func (l *Log) LookupRecoverableUnit(ctx context.Context, id int64) (recoverylog.RecoverableUnit, error) {
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", recoverylog.ErrUnitNotFound, l.name, id)
	}
	return u, nil
}

func (l *Log) RemoveRecoverableUnit(ctx context.Context, id int64) error {
	var affected int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("unit_id = ?", id).Delete(&LogRecordPO{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND log_name = ?", id, l.name).Delete(&RecoverableUnitPO{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return unavailable(err)
	}
	l.mu.Lock()
	delete(l.units, id)
	l.mu.Unlock()
	if affected == 0 {
		return fmt.Errorf("%w: %s/%d", recoverylog.ErrUnitNotFound, l.name, id)
	}
	return nil
}

func (l *Log) RecoverableUnits(ctx context.Context) ([]recoverylog.RecoverableUnit, error) {
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.units))
	for id := range l.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]recoverylog.RecoverableUnit, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.units[id])
	}
	return out, nil
}

// load 首次访问时读入已有的单元
func (l *Log) load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}

	var pos []RecoverableUnitPO
	if err := l.db.WithContext(ctx).Where("log_name = ?", l.name).Order("id").Find(&pos).Error; err != nil {
		return unavailable(err)
	}
	if len(pos) > 0 {
		ids := make([]int64, 0, len(pos))
		for _, po := range pos {
			ids = append(ids, po.ID)
			if _, ok := l.units[po.ID]; !ok {
				l.units[po.ID] = newUnit(l, po.ID)
			}
		}
		var records []LogRecordPO
		if err := l.db.WithContext(ctx).Where("unit_id IN ?", ids).Order("id").Find(&records).Error; err != nil {
			return unavailable(err)
		}
		if err := l.restoreLocked(records); err != nil {
			return err
		}
	}
	l.loaded = true
	return nil
}

// restoreLocked 按写入顺序把记录还原到段中. 调用方持有 l.mu
func (l *Log) restoreLocked(records []LogRecordPO) error {
	for _, r := range records {
		u, ok := l.units[r.UnitID]
		if !ok {
			return fmt.Errorf("%w: record %d references unit %d", recoverylog.ErrLogCorrupt, r.ID, r.UnitID)
		}
		s := u.sections[recoverylog.SectionID(r.SectionID)]
		if s == nil {
			s = &section{unit: u, id: recoverylog.SectionID(r.SectionID), single: r.Single}
			u.sections[s.id] = s
		}
		if s.single {
			s.data = [][]byte{r.Data}
			continue
		}
		s.data = append(s.data, r.Data)
	}
	return nil
}

type unit struct {
	log      *Log
	id       int64
	sections map[recoverylog.SectionID]*section
}

func newUnit(l *Log, id int64) *unit {
	return &unit{log: l, id: id, sections: make(map[recoverylog.SectionID]*section)}
}

func (u *unit) ID() int64 {
	return u.id
}

func (u *unit) CreateSection(ctx context.Context, id recoverylog.SectionID, singleData bool) (recoverylog.Section, error) {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	if _, ok := u.sections[id]; ok {
		return nil, fmt.Errorf("%w: unit %d section %d", recoverylog.ErrSectionExists, u.id, id)
	}
	s := &section{unit: u, id: id, single: singleData}
	u.sections[id] = s
	return s, nil
}

func (u *unit) LookupSection(id recoverylog.SectionID) recoverylog.Section {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()
	s, ok := u.sections[id]
	if !ok {
		return nil
	}
	return s
}

// ForceSections 把所有段的待写数据放在一个数据库事务里写入
func (u *unit) ForceSections(ctx context.Context) error {
	u.log.mu.Lock()
	defer u.log.mu.Unlock()

	var (
		records  []LogRecordPO
		replaced []int
		flushed  []*section
	)
	for _, s := range u.sections {
		if len(s.pending) == 0 {
			continue
		}
		if s.single {
			replaced = append(replaced, int(s.id))
		}
		for _, d := range s.pending {
			records = append(records, LogRecordPO{UnitID: u.id, SectionID: int(s.id), Single: s.single, Data: d})
		}
		flushed = append(flushed, s)
	}
	if len(records) == 0 {
		return nil
	}

	err := u.log.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(replaced) > 0 {
			if err := tx.Where("unit_id = ? AND section_id IN ?", u.id, replaced).Delete(&LogRecordPO{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(&records).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidData) {
			return fmt.Errorf("%w: %v", recoverylog.ErrLogCorrupt, err)
		}
		return unavailable(err)
	}
	for _, s := range flushed {
		s.pending = nil
	}
	return nil
}

type section struct {
	unit    *unit
	id      recoverylog.SectionID
	single  bool
	data    [][]byte
	pending [][]byte
}

func (s *section) ID() recoverylog.SectionID {
	return s.id
}

func (s *section) AddData(ctx context.Context, data []byte) error {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	cp := append([]byte(nil), data...)
	if s.single {
		s.data = [][]byte{cp}
		s.pending = [][]byte{cp}
		return nil
	}
	s.data = append(s.data, cp)
	s.pending = append(s.pending, cp)
	return nil
}

func (s *section) Data() [][]byte {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	return append([][]byte(nil), s.data...)
}

func (s *section) LastData() []byte {
	s.unit.log.mu.Lock()
	defer s.unit.log.mu.Unlock()
	if len(s.data) == 0 {
		return nil
	}
	return s.data[len(s.data)-1]
}
