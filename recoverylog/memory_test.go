package recoverylog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogReopenKeepsOnlyForcedData(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog("tran")

	forced, err := l.CreateRecoverableUnit(ctx)
	require.NoError(t, err)
	s, err := forced.CreateSection(ctx, SectionState, true)
	require.NoError(t, err)
	require.NoError(t, s.AddData(ctx, []byte{3}))
	require.NoError(t, forced.ForceSections(ctx))
	require.NoError(t, s.AddData(ctx, []byte{4}))
	assert.Equal(t, []byte{4}, s.LastData())

	lost, err := l.CreateRecoverableUnit(ctx)
	require.NoError(t, err)
	ls, err := lost.CreateSection(ctx, SectionGlobalID, false)
	require.NoError(t, err)
	require.NoError(t, ls.AddData(ctx, []byte("g")))

	after := l.Reopen()
	units, err := after.RecoverableUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, forced.ID(), units[0].ID())
	assert.Equal(t, []byte{3}, units[0].LookupSection(SectionState).LastData())

	next, err := after.CreateRecoverableUnit(ctx)
	require.NoError(t, err)
	assert.Greater(t, next.ID(), lost.ID())
}

func TestMemoryLogSections(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog("partner")
	u, err := l.CreateRecoverableUnit(ctx)
	require.NoError(t, err)

	s, err := u.CreateSection(ctx, SectionResources, false)
	require.NoError(t, err)
	require.NoError(t, s.AddData(ctx, []byte("a")))
	require.NoError(t, s.AddData(ctx, []byte("b")))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, s.Data())
	assert.Nil(t, u.LookupSection(SectionState))

	_, err = u.CreateSection(ctx, SectionResources, false)
	assert.ErrorIs(t, err, ErrSectionExists)

	require.NoError(t, l.RemoveRecoverableUnit(ctx, u.ID()))
	_, err = l.LookupRecoverableUnit(ctx, u.ID())
	assert.ErrorIs(t, err, ErrUnitNotFound)
	assert.ErrorIs(t, l.RemoveRecoverableUnit(ctx, u.ID()), ErrUnitNotFound)
}

func TestMemoryLogFaultInjection(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog("tran")
	l.FailNext(OpForce, ErrLogUnavailable)

	u, err := l.CreateRecoverableUnit(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, u.ForceSections(ctx), ErrLogUnavailable)
	assert.NoError(t, u.ForceSections(ctx))
	assert.Equal(t, 1, l.Forces())
}
