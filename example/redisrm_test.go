package example

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/txmanager"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis_lock.ErrNil
	}
	return v, nil
}

func (m *memStore) Set(ctx context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return 1, nil
}

func (m *memStore) SetNX(ctx context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return 0, nil
	}
	m.data[key] = value
	return 1, nil
}

func (m *memStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

type memLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type memLock struct {
	m *sync.Mutex
}

func (l *memLock) Lock(ctx context.Context) error {
	l.m.Lock()
	return nil
}

func (l *memLock) Unlock(ctx context.Context) error {
	l.m.Unlock()
	return nil
}

func (m *memLocks) newLock(key string) Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return &memLock{m: l}
}

func newTestRM(id string, store *memStore) *RedisRM {
	locks := &memLocks{}
	return newRedisRM(id, store, locks.newLock)
}

func testBranch(t *testing.T) xa.Xid {
	t.Helper()
	global := xa.NewGenerator(txmanager.DefaultFormatID, xa.NewInstanceID(), 1).NewGlobal()
	xid, err := global.NewBranch(1, 0, 1)
	require.NoError(t, err)
	return xid
}

func codeOf(t *testing.T, err error) xa.Code {
	t.Helper()
	code, ok := xa.CodeOf(err)
	require.True(t, ok, "expected xa error, got %v", err)
	return code
}

func TestRedisRMTwoPhase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rm := newTestRM("order", store)
	xid := testBranch(t)

	require.NoError(t, rm.Start(ctx, xid, xa.TMNOFLAGS))
	assert.Equal(t, xa.ERDUPID, codeOf(t, rm.Start(ctx, xid, xa.TMNOFLAGS)))
	require.NoError(t, rm.Freeze(ctx, "order-1"))
	require.NoError(t, rm.End(ctx, xid, xa.TMSUCCESS))
	assert.Equal(t, xa.EROUTSIDE, codeOf(t, rm.Freeze(ctx, "order-2")))

	code, err := rm.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)
	assert.Equal(t, DataFrozen.String(), store.value(pkg.BuildDataKey("order", "order-1")))

	xids, err := rm.Recover(ctx, xa.TMSTARTRSCAN)
	require.NoError(t, err)
	assert.Equal(t, []xa.Xid{xid}, xids)
	xids, err = rm.Recover(ctx, xa.TMENDRSCAN)
	require.NoError(t, err)
	assert.Empty(t, xids)

	require.NoError(t, rm.Commit(ctx, xid, false))
	require.NoError(t, rm.Commit(ctx, xid, false))
	assert.Equal(t, DataSuccessful.String(), store.value(pkg.BuildDataKey("order", "order-1")))
	assert.Equal(t, xa.HEURCOM, codeOf(t, rm.Rollback(ctx, xid)))

	xids, err = rm.Recover(ctx, xa.TMSTARTRSCAN)
	require.NoError(t, err)
	assert.Empty(t, xids)

	require.NoError(t, rm.Forget(ctx, xid))
	assert.Equal(t, xa.ERNOTA, codeOf(t, rm.Commit(ctx, xid, false)))
}

func TestRedisRMReadOnly(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rm := newTestRM("order", store)
	xid := testBranch(t)

	require.NoError(t, rm.Start(ctx, xid, xa.TMNOFLAGS))
	require.NoError(t, rm.End(ctx, xid, xa.TMSUCCESS))
	code, err := rm.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xa.RDONLY, code)
	assert.Equal(t, xa.ERNOTA, codeOf(t, rm.Rollback(ctx, xid)))
}

func TestRedisRMRollbackOnly(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rm := newTestRM("order", store)
	xid := testBranch(t)

	require.NoError(t, rm.Start(ctx, xid, xa.TMNOFLAGS))
	require.NoError(t, rm.Freeze(ctx, "order-1"))
	require.NoError(t, rm.End(ctx, xid, xa.TMFAIL))

	code, err := rm.Prepare(ctx, xid)
	assert.Equal(t, xa.RBROLLBACK, code)
	assert.True(t, xa.IsRollback(err))
	assert.Empty(t, store.value(pkg.BuildDataKey("order", "order-1")))
	assert.Equal(t, xa.RBROLLBACK, codeOf(t, rm.Commit(ctx, xid, false)))
	require.NoError(t, rm.Rollback(ctx, xid))
}

func TestRedisRMOnePhase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rm := newTestRM("order", store)
	xid := testBranch(t)

	require.NoError(t, rm.Start(ctx, xid, xa.TMNOFLAGS))
	require.NoError(t, rm.Freeze(ctx, "order-1"))
	require.NoError(t, rm.End(ctx, xid, xa.TMSUCCESS))
	assert.Equal(t, xa.ERPROTO, codeOf(t, rm.Commit(ctx, xid, false)))
	require.NoError(t, rm.Commit(ctx, xid, true))
	assert.Equal(t, DataSuccessful.String(), store.value(pkg.BuildDataKey("order", "order-1")))
}

func TestRedisRMDataOccupied(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rm1, rm2 := newTestRM("order", store), newTestRM("order", store)
	x1, x2 := testBranch(t), testBranch(t)
	assert.True(t, rm1.IsSameRM(rm2))
	assert.False(t, rm1.IsSameRM(newTestRM("stock", store)))

	require.NoError(t, rm1.Start(ctx, x1, xa.TMNOFLAGS))
	require.NoError(t, rm1.Freeze(ctx, "order-1"))
	require.NoError(t, rm2.Start(ctx, x2, xa.TMNOFLAGS))
	assert.ErrorIs(t, rm2.Freeze(ctx, "order-1"), ErrDataOccupied)

	// 回滚释放冻结的数据
	require.NoError(t, rm1.Rollback(ctx, x1))
	require.NoError(t, rm2.Freeze(ctx, "order-1"))
}

func newTestManager(t *testing.T, opts ...txmanager.Option) *txmanager.TXManager {
	t.Helper()
	opts = append([]txmanager.Option{txmanager.WithMonitorTick(time.Hour), txmanager.WithTimeout(time.Minute)}, opts...)
	m := txmanager.NewTXManager(opts...)
	t.Cleanup(m.Stop)
	_, err := m.Recover(context.Background())
	require.NoError(t, err)
	return m
}

func TestRedisRMWithTXManager(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t)
	order, stock := newTestRM("order", store), newTestRM("stock", store)
	orderIndex, err := m.RegisterResourceInfo(RecoveryInfo("order", "tcp", "127.0.0.1:6379", 1))
	require.NoError(t, err)
	stockIndex, err := m.RegisterResourceInfo(RecoveryInfo("stock", "tcp", "127.0.0.1:6379", 0))
	require.NoError(t, err)

	require.NoError(t, m.Transaction(context.Background(), func(ctx context.Context) error {
		tx, _ := txmanager.FromContext(ctx)
		if err := tx.EnlistResource(ctx, order, orderIndex); err != nil {
			return err
		}
		if err := order.Freeze(ctx, "order-1"); err != nil {
			return err
		}
		if err := tx.EnlistResource(ctx, stock, stockIndex); err != nil {
			return err
		}
		return stock.Freeze(ctx, "sku-1")
	}))
	assert.Equal(t, DataSuccessful.String(), store.value(pkg.BuildDataKey("order", "order-1")))
	assert.Equal(t, DataSuccessful.String(), store.value(pkg.BuildDataKey("stock", "sku-1")))
	assert.Empty(t, store.value(pkg.BuildIndexKey("order")))

	// 库存被占用, 整个事务回滚
	err = m.Transaction(context.Background(), func(ctx context.Context) error {
		tx, _ := txmanager.FromContext(ctx)
		if err := tx.EnlistResource(ctx, order, orderIndex); err != nil {
			return err
		}
		if err := order.Freeze(ctx, "order-2"); err != nil {
			return err
		}
		if err := tx.EnlistResource(ctx, stock, stockIndex); err != nil {
			return err
		}
		return stock.Freeze(ctx, "sku-1")
	})
	assert.ErrorIs(t, err, ErrDataOccupied)
	assert.Empty(t, store.value(pkg.BuildDataKey("order", "order-2")))
	assert.Empty(t, m.Transactions())
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(nil)
	assert.Equal(t, FactoryName, f.Name())

	_, err := f.Open(context.Background(), map[string]interface{}{})
	assert.Equal(t, xa.ERINVAL, codeOf(t, err))
	_, err = f.Open(context.Background(), map[string]interface{}{"id": "order"})
	assert.Equal(t, xa.ERINVAL, codeOf(t, err))

	w := RecoveryInfo("order", "tcp", "127.0.0.1:6379", 2)
	assert.Equal(t, 2, w.Priority())
	assert.Equal(t, "order", w.Property("id"))
	assert.Empty(t, w.Property("password"))
}
