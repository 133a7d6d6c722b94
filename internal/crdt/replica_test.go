package crdt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countPrefix builds a blob that claims n records but carries only the given
// trailing bytes.
func countPrefix(n uint64, rest ...byte) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], n)])
	buf.Write(rest)
	return buf.Bytes()
}

func TestApplyReturnsCanonicalEncoding(t *testing.T) {
	r := NewReplica()

	applied, err := r.Apply(EncodeOp(1, 0, []byte("hello")), nil)
	require.NoError(t, err)
	assert.Equal(t, EncodeOp(1, 0, []byte("hello")), applied)
	assert.Equal(t, 1, r.OpCount())
}

func TestApplyIsIdempotent(t *testing.T) {
	r := NewReplica()
	update := EncodeOp(1, 0, []byte("x"))

	first, err := r.Apply(update, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := r.Apply(update, nil)
	require.NoError(t, err)
	assert.Nil(t, second, "replay must be a no-op")
	assert.Equal(t, 1, r.OpCount())
}

func TestApplyParksOutOfOrderOps(t *testing.T) {
	r := NewReplica()

	applied, err := r.Apply(EncodeOp(7, 1, []byte("second")), nil)
	require.NoError(t, err)
	assert.Nil(t, applied, "gap op must wait")
	assert.Equal(t, 0, r.OpCount())

	applied, err = r.Apply(EncodeOp(7, 0, []byte("first")), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.OpCount(), "parked op drains once the gap fills")
	require.NotNil(t, applied)

	// Both ops came out in one canonical batch.
	merged, err := MergeUpdates([][]byte{
		EncodeOp(7, 0, []byte("first")),
		EncodeOp(7, 1, []byte("second")),
	})
	require.NoError(t, err)
	assert.Equal(t, merged, applied)
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	updates := [][]byte{
		EncodeOp(1, 0, []byte("a0")),
		EncodeOp(1, 1, []byte("a1")),
		EncodeOp(2, 0, []byte("b0")),
		EncodeOp(3, 0, []byte("c0")),
	}

	forward := NewReplica()
	for _, u := range updates {
		_, err := forward.Apply(u, nil)
		require.NoError(t, err)
	}

	backward := NewReplica()
	for i := len(updates) - 1; i >= 0; i-- {
		_, err := backward.Apply(updates[i], nil)
		require.NoError(t, err)
	}

	assert.Equal(t, forward.EncodeStateAsUpdate(), backward.EncodeStateAsUpdate(),
		"converged replicas must encode byte-identically")
	assert.Equal(t, forward.StateVector(), backward.StateVector())
}

func TestDiffSinceReturnsOnlyMissingOps(t *testing.T) {
	source := NewReplica()
	for seq := uint64(0); seq < 3; seq++ {
		_, err := source.Apply(EncodeOp(1, seq, []byte{byte(seq)}), nil)
		require.NoError(t, err)
	}
	_, err := source.Apply(EncodeOp(2, 0, []byte("other")), nil)
	require.NoError(t, err)

	// A peer that has client 1 up to seq 2 but nothing from client 2.
	peer := NewReplica()
	for seq := uint64(0); seq < 2; seq++ {
		_, err := peer.Apply(EncodeOp(1, seq, []byte{byte(seq)}), nil)
		require.NoError(t, err)
	}

	diff, err := source.DiffSince(peer.StateVector())
	require.NoError(t, err)

	_, err = peer.Apply(diff, nil)
	require.NoError(t, err)
	assert.Equal(t, source.EncodeStateAsUpdate(), peer.EncodeStateAsUpdate())
}

func TestDiffSinceEmptyVectorIsFullState(t *testing.T) {
	r := NewReplica()
	_, err := r.Apply(EncodeOp(5, 0, []byte("v")), nil)
	require.NoError(t, err)

	diff, err := r.DiffSince(EmptyStateVector())
	require.NoError(t, err)
	assert.Equal(t, r.EncodeStateAsUpdate(), diff)
}

func TestSubscribeUpdatesDeliversAppliedBytes(t *testing.T) {
	r := NewReplica()

	var gotUpdate []byte
	var gotOrigin any
	unsub := r.SubscribeUpdates(func(update []byte, origin any) {
		gotUpdate = update
		gotOrigin = origin
	})

	update := EncodeOp(1, 0, []byte("payload"))
	_, err := r.Apply(update, "tag")
	require.NoError(t, err)
	assert.Equal(t, update, gotUpdate)
	assert.Equal(t, "tag", gotOrigin)

	// Replay emits nothing.
	gotUpdate = nil
	_, err = r.Apply(update, "tag")
	require.NoError(t, err)
	assert.Nil(t, gotUpdate)

	// After unsubscribe the handler stays silent.
	unsub()
	_, err = r.Apply(EncodeOp(1, 1, []byte("more")), "tag")
	require.NoError(t, err)
	assert.Nil(t, gotUpdate)
}

func TestMergeUpdatesUnionsAndDeduplicates(t *testing.T) {
	a := EncodeOp(1, 0, []byte("a"))
	b := EncodeOp(2, 0, []byte("b"))

	merged, err := MergeUpdates([][]byte{a, b, a})
	require.NoError(t, err)

	r := NewReplica()
	applied, err := r.Apply(merged, nil)
	require.NoError(t, err)
	assert.Equal(t, merged, applied)
	assert.Equal(t, 2, r.OpCount())
}

func TestMergeUpdatesRejectsMalformedInput(t *testing.T) {
	_, err := MergeUpdates([][]byte{EncodeOp(1, 0, []byte("ok")), {0xFF}})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestApplyRejectsMalformedUpdate(t *testing.T) {
	r := NewReplica()
	_, err := r.Apply([]byte{0x01, 0x02}, nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, r.OpCount())
}

func TestDiffSinceRejectsMalformedStateVector(t *testing.T) {
	r := NewReplica()
	_, err := r.DiffSince([]byte{0x05})
	assert.ErrorIs(t, err, ErrMalformedStateVector)
}

func TestApplyRejectsOverstatedRecordCount(t *testing.T) {
	// A tiny blob whose count varint claims 2^62 records. The decoder must
	// reject it as malformed, not trust the count when sizing allocations.
	r := NewReplica()
	_, err := r.Apply(countPrefix(1<<62, 0x01, 0x00), nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, r.OpCount())

	_, err = MergeUpdates([][]byte{countPrefix(1 << 62)})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDiffSinceRejectsOverstatedEntryCount(t *testing.T) {
	r := NewReplica()
	_, err := r.DiffSince(countPrefix(1<<62, 0x01))
	assert.ErrorIs(t, err, ErrMalformedStateVector)
}

func TestTruncateHistoryKeepsNewestAndState(t *testing.T) {
	r := NewReplica()
	for seq := uint64(0); seq < 10; seq++ {
		_, err := r.Apply(EncodeOp(1, seq, []byte{byte(seq)}), nil)
		require.NoError(t, err)
	}
	require.Len(t, r.History(), 10)

	r.TruncateHistory(3)
	history := r.History()
	require.Len(t, history, 3)
	assert.Equal(t, EncodeOp(1, 9, []byte{9}), history[2])

	// Document state is untouched by history truncation.
	assert.Equal(t, 10, r.OpCount())
}
