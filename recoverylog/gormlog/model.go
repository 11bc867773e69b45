package gormlog

import "time"

// RecoverableUnitPO 可恢复单元, 一个 log_name 对应一个故障域
type RecoverableUnitPO struct {
	ID        int64     `gorm:"primarykey;autoIncrement"`
	LogName   string    `gorm:"size:64;not null;index:idx_log_name"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RecoverableUnitPO) TableName() string {
	return "recoverable_units"
}

// LogRecordPO 段内的一次写入
type LogRecordPO struct {
	ID        int64     `gorm:"primarykey;autoIncrement"`
	UnitID    int64     `gorm:"not null;index:idx_unit_section"`
	SectionID int       `gorm:"not null;index:idx_unit_section"`
	Single    bool      `gorm:"not null;default:false"` // 覆盖写的段, 重新加载后仍然只保留最后一条
	Data      []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (LogRecordPO) TableName() string {
	return "log_records"
}
