// Package recoverylog 恢复日志的抽象. 一个 Log 对应一个故障域, 由若干可恢复单元组成,
// 每个单元下按 SectionID 划分多个只追加的数据段.
package recoverylog

import (
	"context"
	"errors"
)

// SectionID 数据段标识
type SectionID int

const (
	// SectionState 事务状态, 每次写入一个字节, 以最后一个为准
	SectionState SectionID = 1
	// SectionGlobalID 事务的全局标识
	SectionGlobalID SectionID = 2
	// SectionResources 参与者列表, 在 prepare 阶段写入
	SectionResources SectionID = 3
	// SectionInboundPartner 驱动子事务 prepare 的上级协调者
	SectionInboundPartner SectionID = 4
	// SectionPartner 伙伴日志中的伙伴描述
	SectionPartner SectionID = 10
)

var (
	// ErrLogUnavailable 日志暂时不可用, 可以重试
	ErrLogUnavailable = errors.New("recoverylog: log unavailable")
	// ErrLogCorrupt 日志内容损坏, 对应的条目不能再使用
	ErrLogCorrupt = errors.New("recoverylog: log corrupt")

	ErrUnitNotFound  = errors.New("recoverylog: recoverable unit not found")
	ErrSectionExists = errors.New("recoverylog: section already exists")
)

// Log 一个故障域的恢复日志
type Log interface {
	Name() string
	CreateRecoverableUnit(ctx context.Context) (RecoverableUnit, error)
	LookupRecoverableUnit(ctx context.Context, id int64) (RecoverableUnit, error)
	RemoveRecoverableUnit(ctx context.Context, id int64) error
	// RecoverableUnits 按 id 升序返回当前所有单元
	RecoverableUnits(ctx context.Context) ([]RecoverableUnit, error)
}

// RecoverableUnit 可恢复单元, 内部各段的写入在 ForceSections 时一起落盘
type RecoverableUnit interface {
	ID() int64
	// CreateSection singleData 为 true 时该段只保留最后一次写入
	CreateSection(ctx context.Context, id SectionID, singleData bool) (Section, error)
	// LookupSection 段不存在时返回 nil
	LookupSection(id SectionID) Section
	ForceSections(ctx context.Context) error
}

// Section 只追加的数据段
type Section interface {
	ID() SectionID
	AddData(ctx context.Context, data []byte) error
	// Data 所有写入, 包括尚未强制落盘的
	Data() [][]byte
	// LastData 最后一次写入, 没有数据时返回 nil
	LastData() []byte
}
