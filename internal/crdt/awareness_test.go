package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessAddUpdateRemove(t *testing.T) {
	a := NewAwareness()

	change, err := a.ApplyUpdate(EncodeAwarenessState(1, 1, []byte(`{"cursor":5}`)))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Added)
	assert.Equal(t, 1, a.Count())

	change, err = a.ApplyUpdate(EncodeAwarenessState(1, 2, []byte(`{"cursor":9}`)))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Updated)

	change, err = a.ApplyUpdate(EncodeAwarenessState(1, 3, []byte("null")))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Removed)
	assert.Equal(t, 0, a.Count())
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewAwareness()

	_, err := a.ApplyUpdate(EncodeAwarenessState(2, 5, []byte(`{"v":1}`)))
	require.NoError(t, err)

	change, err := a.ApplyUpdate(EncodeAwarenessState(2, 4, []byte(`{"v":0}`)))
	require.NoError(t, err)
	assert.False(t, change.Any(), "older clock must not win")

	change, err = a.ApplyUpdate(EncodeAwarenessState(2, 5, []byte(`{"v":2}`)))
	require.NoError(t, err)
	assert.False(t, change.Any(), "equal clock must not win")
}

func TestAwarenessRemoveProducesBroadcastableDiff(t *testing.T) {
	a := NewAwareness()
	_, err := a.ApplyUpdate(EncodeAwarenessState(3, 1, []byte(`{}`)))
	require.NoError(t, err)

	diff := a.Remove(3)
	require.NotNil(t, diff)

	// A peer applying the diff sees the removal.
	peer := NewAwareness()
	_, err = peer.ApplyUpdate(EncodeAwarenessState(3, 1, []byte(`{}`)))
	require.NoError(t, err)
	change, err := peer.ApplyUpdate(diff)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, change.Removed)
	assert.Equal(t, 0, peer.Count())

	// Removing an absent client is a no-op.
	assert.Nil(t, a.Remove(3))
	assert.Nil(t, a.Remove(99))
}

func TestAwarenessEncodeAllSkipsTombstones(t *testing.T) {
	a := NewAwareness()
	_, err := a.ApplyUpdate(EncodeAwarenessState(1, 1, []byte(`{"n":"x"}`)))
	require.NoError(t, err)
	_, err = a.ApplyUpdate(EncodeAwarenessState(2, 1, []byte(`{"n":"y"}`)))
	require.NoError(t, err)
	a.Remove(2)

	peer := NewAwareness()
	change, err := peer.ApplyUpdate(a.EncodeAll())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Added)
	assert.Empty(t, change.Removed)
}

func TestAwarenessMalformedUpdate(t *testing.T) {
	a := NewAwareness()
	_, err := a.ApplyUpdate([]byte{0x02, 0x01})
	assert.ErrorIs(t, err, ErrMalformedAwareness)
}

func TestAwarenessRejectsOverstatedEntryCount(t *testing.T) {
	a := NewAwareness()
	_, err := a.ApplyUpdate(countPrefix(1<<62, 0x01))
	assert.ErrorIs(t, err, ErrMalformedAwareness)
	assert.Equal(t, 0, a.Count())
}
