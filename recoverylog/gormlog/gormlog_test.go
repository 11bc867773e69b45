package gormlog

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/xiaoxuxiansheng/goxa/recoverylog"
)

func TestModelMapping(t *testing.T) {
	s, err := schema.Parse(&LogRecordPO{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	assert.Equal(t, "log_records", s.Table)
	for _, column := range []string{"id", "unit_id", "section_id", "data", "created_at"} {
		assert.NotNil(t, s.LookUpField(column), column)
	}

	s, err = schema.Parse(&RecoverableUnitPO{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	assert.Equal(t, "recoverable_units", s.Table)
	assert.NotNil(t, s.LookUpField("log_name"))
}

func dryRunDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "goxa:goxa@tcp(127.0.0.1:3306)/goxa",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestRemoveStatement(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ? AND log_name = ?", 7, "tran").Delete(&RecoverableUnitPO{})
	})
	assert.Contains(t, sql, "DELETE FROM `recoverable_units`")
	assert.Contains(t, sql, "log_name")
}

func TestInsertStatement(t *testing.T) {
	db := dryRunDB(t)
	records := []LogRecordPO{{UnitID: 1, SectionID: int(recoverylog.SectionState), Single: true, Data: []byte{3}}}
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Create(&records)
	})
	assert.Contains(t, sql, "INSERT INTO `log_records`")
	assert.Contains(t, sql, "`single`")
}

func TestRestoreKeepsSingleSections(t *testing.T) {
	ctx := context.Background()
	l := New(nil, "tran")
	l.units[1] = newUnit(l, 1)
	require.NoError(t, l.restoreLocked([]LogRecordPO{
		{ID: 1, UnitID: 1, SectionID: int(recoverylog.SectionState), Single: true, Data: []byte{2}},
		{ID: 2, UnitID: 1, SectionID: int(recoverylog.SectionResources), Data: []byte("r1")},
		{ID: 3, UnitID: 1, SectionID: int(recoverylog.SectionResources), Data: []byte("r2")},
	}))

	u := l.units[1]

	state := u.LookupSection(recoverylog.SectionState)
	require.NotNil(t, state)
	assert.Equal(t, [][]byte{{2}}, state.Data())
	resources := u.LookupSection(recoverylog.SectionResources)
	require.NotNil(t, resources)
	assert.Equal(t, [][]byte{[]byte("r1"), []byte("r2")}, resources.Data())

	// 重新加载的覆盖段继续覆盖, 下次 force 会删除旧记录
	require.NoError(t, state.AddData(ctx, []byte{4}))
	assert.Equal(t, [][]byte{{4}}, state.Data())
	s := state.(*section)
	assert.True(t, s.single)
	assert.Equal(t, [][]byte{{4}}, s.pending)
	require.NoError(t, resources.AddData(ctx, []byte("r3")))
	assert.Len(t, resources.Data(), 3)
}

func TestRestoreUnknownUnit(t *testing.T) {
	l := New(nil, "tran")
	err := l.restoreLocked([]LogRecordPO{{ID: 9, UnitID: 5, SectionID: int(recoverylog.SectionState), Data: []byte{1}}})
	assert.ErrorIs(t, err, recoverylog.ErrLogCorrupt)
}

// 需要真实 mysql, 设置 GOXA_TEST_MYSQL_DSN 后运行
func TestMySQLRoundTrip(t *testing.T) {
	dsn := os.Getenv("GOXA_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("GOXA_TEST_MYSQL_DSN not set")
	}
	ctx := context.Background()
	l, err := Open(dsn, "gormlog_test")
	require.NoError(t, err)
	require.NoError(t, l.AutoMigrate(ctx))

	u, err := l.CreateRecoverableUnit(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.RemoveRecoverableUnit(ctx, u.ID()) })

	s, err := u.CreateSection(ctx, recoverylog.SectionState, true)
	require.NoError(t, err)
	require.NoError(t, s.AddData(ctx, []byte{3}))
	require.NoError(t, u.ForceSections(ctx))
	require.NoError(t, s.AddData(ctx, []byte{4}))
	require.NoError(t, u.ForceSections(ctx))

	fresh := New(l.DB(), "gormlog_test")
	got, err := fresh.LookupRecoverableUnit(ctx, u.ID())
	require.NoError(t, err)
	state := got.LookupSection(recoverylog.SectionState)
	require.NotNil(t, state)
	assert.Equal(t, []byte{4}, state.LastData())
	assert.Len(t, state.Data(), 1)

	// 重新加载后的覆盖段写入仍然替换旧记录
	require.NoError(t, state.AddData(ctx, []byte{5}))
	require.NoError(t, got.ForceSections(ctx))
	var n int64
	require.NoError(t, l.DB().Model(&LogRecordPO{}).Where("unit_id = ?", u.ID()).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	require.NoError(t, fresh.RemoveRecoverableUnit(ctx, u.ID()))
	_, err = New(l.DB(), "gormlog_test").LookupRecoverableUnit(ctx, u.ID())
	assert.ErrorIs(t, err, recoverylog.ErrUnitNotFound)
}
