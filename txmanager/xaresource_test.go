package txmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

func newTestEntry(t *testing.T, rlog recoverylog.Log, name string, priority int) *partner.LogData {
	t.Helper()
	table := partner.NewTable(rlog, nil)
	entry, err := table.FindEntry(partner.NewXARecoveryWrapper(fakeFactory, map[string]interface{}{
		"name":     name,
		"priority": priority,
	}))
	require.NoError(t, err)
	return entry
}

func TestXAResourcePrepare(t *testing.T) {
	ctx := context.Background()
	plog := recoverylog.NewMemoryLog("partnerlog")
	entry := newTestEntry(t, plog, "r1", 3)
	driver := newFakeRM("r1")
	res := newXAResource(driver, testXid(), entry, newRegistryCenter(), nil)
	assert.Equal(t, 3, res.Priority())
	assert.Equal(t, 2, entry.InUseCount())
	assert.Contains(t, res.Describe(), "xa:"+fakeFactory)

	vote, err := res.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteCommit, vote)
	// prepare 之前伙伴信息已经落盘
	assert.True(t, entry.LoggedToDisk())
	assert.NotZero(t, res.RecoveryID())
}

func TestXAResourcePrepareReadOnly(t *testing.T) {
	entry := newTestEntry(t, recoverylog.NewMemoryLog("partnerlog"), "r1", 0)
	driver := newFakeRM("r1")
	driver.prepareCode = xa.RDONLY
	res := newXAResource(driver, testXid(), entry, newRegistryCenter(), nil)

	vote, err := res.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, xa.VoteReadOnly, vote)
	assert.Equal(t, 1, entry.InUseCount())

	// 重复释放不影响引用计数
	res.Destroy()
	assert.Equal(t, 1, entry.InUseCount())
}

func TestXAResourcePrepareWithoutPartnerLog(t *testing.T) {
	plog := recoverylog.NewMemoryLog("partnerlog")
	entry := newTestEntry(t, plog, "r1", 0)
	driver := newFakeRM("r1")
	res := newXAResource(driver, testXid(), entry, newRegistryCenter(), nil)

	plog.FailNext(recoverylog.OpForce, errors.New("disk full"))
	_, err := res.Prepare(context.Background())
	code, ok := xa.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xa.ERINVAL, code)
	assert.Zero(t, driver.Count("prepare"))
}

func TestXAResourcePrepareDriverError(t *testing.T) {
	entry := newTestEntry(t, recoverylog.NewMemoryLog("partnerlog"), "r1", 0)
	driver := newFakeRM("r1")
	driver.prepareErr = errors.New("broken pipe")
	res := newXAResource(driver, testXid(), entry, newRegistryCenter(), nil)

	_, err := res.Prepare(context.Background())
	code, ok := xa.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xa.ERRMERR, code)
}

func TestXAResourceReconnect(t *testing.T) {
	entry := newTestEntry(t, recoverylog.NewMemoryLog("partnerlog"), "r1", 0)
	pool := newFakePool()
	factories := newRegistryCenter()
	require.NoError(t, factories.register(pool.Factory()))

	driver := newFakeRM("r1")
	driver.commitErrs = []error{xa.NewError(xa.ERRMFAIL, "connection reset")}
	res := newXAResource(driver, testXid(), entry, factories, nil)

	require.NoError(t, res.Commit(context.Background()))
	assert.Equal(t, 1, driver.Count("commit"))
	assert.Equal(t, 1, pool.Get("r1").Count("commit"))
	assert.Equal(t, 1, pool.opened)

	res.Destroy()
	assert.True(t, pool.Get("r1").closed)
	assert.False(t, driver.closed)
	assert.Equal(t, 1, entry.InUseCount())
}

func TestXAResourceReconnectFailure(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    xa.Code
	}{
		{name: "rmerr downgraded", openErr: xa.NewError(xa.ERRMERR, "auth failed"), want: xa.ERRMFAIL},
		{name: "plain error", openErr: errors.New("dial tcp: refused"), want: xa.ERRMFAIL},
		{name: "other xa code kept", openErr: xa.NewError(xa.ERINVAL, "bad props"), want: xa.ERINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := newTestEntry(t, recoverylog.NewMemoryLog("partnerlog"), "r1", 0)
			factories := newRegistryCenter()
			require.NoError(t, factories.register(FactoryFunc{
				FactoryName: fakeFactory,
				OpenFunc: func(ctx context.Context, props map[string]interface{}) (xa.Resource, error) {
					return nil, tt.openErr
				},
			}))
			driver := newFakeRM("r1")
			driver.rollbackErrs = []error{xa.NewError(xa.ERRMFAIL, "connection reset")}
			res := newXAResource(driver, testXid(), entry, factories, nil)

			code, ok := xa.CodeOf(res.Rollback(context.Background()))
			require.True(t, ok)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestXAResourceRecoveredNotDeserialized(t *testing.T) {
	ctx := context.Background()
	plog := recoverylog.NewMemoryLog("partnerlog")
	entry := newTestEntry(t, plog, "r1", 0)
	require.NoError(t, entry.LogRecoveryEntry(ctx))

	table := partner.NewTable(plog.Reopen(), nil)
	n, err := table.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	recovered := table.Entries()[0]
	require.Nil(t, recovered.Wrapper())

	res := recoveredXAResource(testXid(), recovered, newRegistryCenter(), nil)
	assert.True(t, res.Recovered())
	assert.Equal(t, heuristic.Prepared, res.Status())

	code, ok := xa.CodeOf(res.Commit(ctx))
	require.True(t, ok)
	assert.Equal(t, xa.RETRY, code)

	// 还原之后可以重连
	_, err = recovered.Deserialize()
	require.NoError(t, err)
	pool := newFakePool()
	res.factories = newRegistryCenter()
	require.NoError(t, res.factories.register(pool.Factory()))
	require.NoError(t, res.Commit(ctx))
	assert.Equal(t, []string{"commit"}, pool.Get("r1").Calls())
}

func TestResourceRecord(t *testing.T) {
	xid := testXid()
	data, err := encodeResourceRecord(42, xid)
	require.NoError(t, err)

	id, got, err := decodeResourceRecord(data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, xid, got)

	_, _, err = decodeResourceRecord(data[:3])
	assert.ErrorIs(t, err, recoverylog.ErrLogCorrupt)

	rid, err := decodeRecoveryID(encodeRecoveryID(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), rid)
	_, err = decodeRecoveryID([]byte{1})
	assert.ErrorIs(t, err, recoverylog.ErrLogCorrupt)
}
