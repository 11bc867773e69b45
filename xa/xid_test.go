package xa

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewXidRejectsLongComponents(t *testing.T) {
	_, err := NewXid(1, make([]byte, 65), nil)
	require.ErrorIs(t, err, ErrXidTooLong)
	_, err = NewXid(1, nil, make([]byte, 65))
	require.ErrorIs(t, err, ErrXidTooLong)
	_, err = NewXid(1, make([]byte, 64), make([]byte, 64))
	require.NoError(t, err)
}

func TestXidBinaryEncoding(t *testing.T) {
	x, err := NewXid(0x474f5841, []byte("global"), []byte("br"))
	require.NoError(t, err)

	b, err := x.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x474f5841), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(6), binary.BigEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, "globalbr", string(b[12:]))

	back, err := UnmarshalXid(b)
	require.NoError(t, err)
	assert.Equal(t, x, back)

	_, err = UnmarshalXid(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrXidEncoding)
	_, err = UnmarshalXid([]byte{1, 2})
	assert.ErrorIs(t, err, ErrXidEncoding)
}

func TestXidIsComparable(t *testing.T) {
	a, _ := NewXid(1, []byte("g"), []byte("b"))
	b, _ := NewXid(1, []byte("g"), []byte("b"))
	c, _ := NewXid(2, []byte("g"), []byte("b"))
	m := map[Xid]int{a: 1}
	assert.Equal(t, 1, m[b])
	assert.NotEqual(t, a, c)
	assert.Equal(t, a.Global(), b.Global())
}

func TestBranchQualifierOffsets(t *testing.T) {
	instance := NewInstanceID()
	g := NewGenerator(7, instance, 3)
	global := g.NewGlobal()
	require.Len(t, global.GlobalTransactionID(), GtridSize)
	assert.Empty(t, global.BranchQualifier())

	branch, err := global.NewBranch(2, 0x0102030405060708, 0x0a0b)
	require.NoError(t, err)
	assert.Equal(t, global.GlobalTransactionID(), branch.GlobalTransactionID())
	assert.Equal(t, global, branch.Global())

	bq := branch.BranchQualifier()
	require.Len(t, bq, BqualSize)
	assert.Equal(t, global.GlobalTransactionID()[:8], bq[0:8], "timestamp")
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(bq[8:12]), "epoch")
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(bq[12:16]), "sequence")
	assert.True(t, bytes.Equal(instance[:], bq[16:36]), "instance")
	assert.Equal(t, byte(2), bq[36], "branch index")
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, bq[37:45], "stoken")
	assert.Equal(t, []byte{0x0a, 0x0b}, bq[45:47], "resource sequence")
	assert.Equal(t, global.PrimaryKey(), bq[0:16])

	q, err := ParseQualifier(bq)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), q.Epoch)
	assert.Equal(t, byte(2), q.BranchIndex)
	assert.Equal(t, uint64(0x0102030405060708), q.SToken)
	assert.Equal(t, uint16(0x0a0b), q.ResourceSeq)
	assert.True(t, branch.OwnedBy(instance))
	assert.False(t, branch.OwnedBy(NewInstanceID()))
}

func TestGeneratorSequenceIncreases(t *testing.T) {
	g := NewGenerator(1, NewInstanceID(), 0)
	a, b := g.NewGlobal(), g.NewGlobal()
	assert.NotEqual(t, a, b)
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b.GlobalTransactionID()[12:16]))
}

func TestNewBranchRejectsForeignGtrid(t *testing.T) {
	x, _ := NewXid(1, []byte("short"), nil)
	_, err := x.NewBranch(1, 0, 0)
	assert.ErrorIs(t, err, ErrNotOurXid)
}

func TestInstanceIDRoundTrip(t *testing.T) {
	id := NewInstanceID()
	back, err := ParseInstanceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)
	_, err = ParseInstanceID("abcd")
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	err := fmt.Errorf("driver: %w", NewError(HEURRB, "branch %s", "b1"))
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, HEURRB, code)
	assert.True(t, IsHeuristic(err))
	assert.False(t, IsRollback(err))
	assert.ErrorIs(t, err, &Error{Code: HEURRB})
	assert.NotErrorIs(t, err, &Error{Code: HEURCOM})

	assert.True(t, IsRollback(NewError(RBPROTO, "")))
	assert.True(t, RBTIMEOUT.IsRollback())
	assert.False(t, ERRMFAIL.IsRollback())
	assert.Equal(t, "XAER_RMFAIL", ERRMFAIL.String())
	assert.Equal(t, "XA(42)", Code(42).String())

	_, ok = CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}
