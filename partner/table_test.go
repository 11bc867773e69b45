package partner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
)

func TestFindEntrySameIdentity(t *testing.T) {
	table := NewTable(recoverylog.NewMemoryLog("partner"), nil)

	a, err := table.FindEntry(NewXARecoveryWrapper("redis", map[string]interface{}{"addr": "127.0.0.1:6379", "priority": 2}))
	require.NoError(t, err)
	b, err := table.FindEntry(NewXARecoveryWrapper("redis", map[string]interface{}{"priority": 2, "addr": "127.0.0.1:6379"}))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, a.Index())

	c, err := table.FindEntry(NewXARecoveryWrapper("redis", map[string]interface{}{"addr": "127.0.0.2:6379"}))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Index())

	d, err := table.FindEntry(&InboundWrapper{ProviderID: "upstream"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Index())
	assert.Same(t, c, table.EntryAt(2))
	assert.Nil(t, table.EntryAt(0))
	assert.Nil(t, table.EntryAt(4))
}

func TestFindEntryConcurrent(t *testing.T) {
	table := NewTable(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.FindEntry(&InboundWrapper{ProviderID: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, table.Len())
}

func TestLogAndClear(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	table := NewTable(rlog, nil)
	e, err := table.FindEntry(NewXARecoveryWrapper("redis", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, e.InUseCount())

	assert.False(t, e.ClearIfNotInUse(ctx), "not logged")
	require.NoError(t, e.LogRecoveryEntry(ctx))
	first := e.RecoveryID()
	assert.NotZero(t, first)
	assert.True(t, e.LoggedToDisk())
	assert.False(t, e.ClearIfNotInUse(ctx), "still in use")

	e.DecrementCount()
	assert.True(t, e.ClearIfNotInUse(ctx))
	assert.False(t, e.LoggedToDisk())
	assert.Zero(t, e.RecoveryID())
	assert.Equal(t, 0, rlog.Len())

	require.NoError(t, e.LogRecoveryEntry(ctx))
	assert.NotEqual(t, first, e.RecoveryID())
	assert.Same(t, e, table.FindEntryByRecoveryID(e.RecoveryID()))
	assert.Nil(t, table.FindEntryByRecoveryID(first))
}

func TestLogRecoveryEntryRetriesAfterForceFailure(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	rlog.FailNext(recoverylog.OpForce, recoverylog.ErrLogUnavailable)
	e, err := NewTable(rlog, nil).FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)

	require.ErrorIs(t, e.LogRecoveryEntry(ctx), recoverylog.ErrLogUnavailable)
	assert.False(t, e.LoggedToDisk())
	require.NoError(t, e.LogRecoveryEntry(ctx))
	assert.Equal(t, 1, rlog.Len(), "unit reused")

	units, _ := rlog.RecoverableUnits(ctx)
	assert.Len(t, units[0].LookupSection(recoverylog.SectionPartner).Data(), 1)
}

func TestTerminatedEntryRefusesToLog(t *testing.T) {
	e, err := NewTable(recoverylog.NewMemoryLog("partner"), nil).FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)
	e.Terminate()
	assert.ErrorIs(t, e.LogRecoveryEntry(context.Background()), ErrTerminating)
}

func TestClearSwallowsRemoveFailure(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	e, err := NewTable(rlog, nil).FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)
	require.NoError(t, e.LogRecoveryEntry(ctx))
	e.DecrementCount()

	rlog.FailNext(recoverylog.OpRemoveUnit, recoverylog.ErrLogUnavailable)
	assert.False(t, e.ClearIfNotInUse(ctx))
	assert.True(t, e.LoggedToDisk())
	assert.True(t, e.ClearIfNotInUse(ctx))
}

func TestLoadRecoversEntries(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	table := NewTable(rlog, nil)
	w := NewXARecoveryWrapper("redis", map[string]interface{}{"priority": 5})
	e, err := table.FindEntry(w)
	require.NoError(t, err)
	require.NoError(t, e.LogRecoveryEntry(ctx))

	restarted := NewTable(rlog.Reopen(), nil)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := restarted.EntryAt(1)
	assert.Zero(t, got.InUseCount())
	assert.True(t, got.LoggedToDisk())
	assert.Equal(t, e.RecoveryID(), got.RecoveryID())
	assert.Nil(t, got.Wrapper())

	back, err := got.Deserialize()
	require.NoError(t, err)
	assert.True(t, back.IsSameAs(w))
	assert.Equal(t, 5, back.(*XARecoveryWrapper).Priority())

	again, err := restarted.FindEntry(w)
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestFindEntryDeserializesRecoveredEntry(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	e, err := NewTable(rlog, nil).FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)
	require.NoError(t, e.LogRecoveryEntry(ctx))

	restarted := NewTable(rlog, nil)
	_, err = restarted.Load(ctx)
	require.NoError(t, err)
	got, err := restarted.FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Index())
	assert.NotNil(t, got.Wrapper())
}

func TestMergeClearsRecoveredFlagOfDuplicates(t *testing.T) {
	runtime := NewTable(nil, nil)
	live, err := runtime.FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)

	recovery := NewTable(nil, nil)
	dup, err := recovery.FindEntry(&InboundWrapper{ProviderID: "p"})
	require.NoError(t, err)
	dup.SetRecovered(true)
	other, err := recovery.FindEntry(&InboundWrapper{ProviderID: "q"})
	require.NoError(t, err)
	other.SetRecovered(true)

	runtime.Merge(recovery)
	require.Equal(t, 3, runtime.Len())
	assert.False(t, live.Recovered())
	assert.False(t, dup.Recovered())
	assert.True(t, other.Recovered())
	assert.Equal(t, 3, other.Index())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	rlog := recoverylog.NewMemoryLog("partner")
	table := NewTable(rlog, nil)

	recovered, _ := table.FindEntry(&InboundWrapper{ProviderID: "done"})
	require.NoError(t, recovered.LogRecoveryEntry(ctx))
	recovered.SetRecovered(true)

	_, _ = table.FindEntry(&InboundWrapper{ProviderID: "never-logged"})
	assert.False(t, table.Shutdown(ctx))
	assert.Equal(t, 0, rlog.Len())

	rlog2 := recoverylog.NewMemoryLog("partner")
	table2 := NewTable(rlog2, nil)
	pending, _ := table2.FindEntry(&InboundWrapper{ProviderID: "pending"})
	require.NoError(t, pending.LogRecoveryEntry(ctx))
	assert.True(t, table2.Shutdown(ctx))
	assert.Equal(t, 1, rlog2.Len())
	assert.ErrorIs(t, pending.LogRecoveryEntry(ctx), ErrTerminating)
}

func TestShutdownWarnsOnlyForLiveReferences(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })

	ctx := context.Background()
	table := NewTable(recoverylog.NewMemoryLog("partner"), nil)
	_, err := table.FindEntry(NewXARecoveryWrapper("redis", map[string]interface{}{"name": "idle"}))
	require.NoError(t, err)
	busy, err := table.FindEntry(NewXARecoveryWrapper("redis", map[string]interface{}{"name": "busy"}))
	require.NoError(t, err)
	busy.IncrementCount()

	assert.False(t, table.Shutdown(ctx))
	entries := logs.FilterMessageSnippet("in use but never logged").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "busy")
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := DefaultKinds().Decode([]byte(`{"kind":"jms","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
