package doc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/crdt"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.InstanceID == "" {
		cfg.InstanceID = "test-instance"
	}
	if cfg.IdleEvictTTL == 0 {
		cfg.IdleEvictTTL = time.Hour // janitor stays out of the way
	}
	r := NewRegistry(cfg, bus.NewMemoryBus(), zerolog.Nop())
	t.Cleanup(r.Shutdown)
	return r
}

func TestGetCreatesOnce(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	a, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentGetSharesOneCreation(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	const n = 100
	docs := make([]*Document, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i], errs[i] = r.Get(context.Background(), "stampede")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < n; i++ {
		assert.Same(t, docs[0], docs[i])
	}
	assert.Equal(t, 1, r.Len())
}

func TestEvictIdleSkipsAttachedDocuments(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	busy, err := r.Get(context.Background(), "busy")
	require.NoError(t, err)
	_, c, err := r.Attach(context.Background(), "busy", &fakeSink{})
	require.NoError(t, err)

	_, err = r.Get(context.Background(), "idle")
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	evicted := r.EvictIdle(0)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, r.Len())

	// The attached document survived and still works.
	got, err := r.Get(context.Background(), "busy")
	require.NoError(t, err)
	assert.Same(t, busy, got)
	busy.Detach(c)
}

func TestEvictIdleSkipsPendingFlush(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{
		Document: Options{DebounceDelay: 10 * time.Second, DebounceMaxDelay: 20 * time.Second},
	})

	d, c, err := r.Attach(context.Background(), "draft", &fakeSink{})
	require.NoError(t, err)
	require.NoError(t, d.ApplyUpdate(c, crdt.EncodeOp(c.ID(), 0, []byte("unflushed"))))

	// Detach flushes, so bypass it: drop the conn directly to leave the
	// pending queue populated.
	d.mu.Lock()
	delete(d.conns, c.ID())
	d.mu.Unlock()

	assert.Zero(t, r.EvictIdle(0), "a document with queued updates must not be evicted")
	assert.Equal(t, 1, r.Len())
}

func TestAttachRetriesAfterEviction(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	stale, err := r.Get(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 1, r.EvictIdle(0))

	// Get-then-Attach through the registry transparently builds a fresh
	// replica in place of the closed one.
	fresh, c, err := r.Attach(context.Background(), "doc", &fakeSink{})
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	assert.NotNil(t, c)

	// Direct Attach on the stale pointer still fails.
	_, err = stale.Attach(&fakeSink{})
	assert.ErrorIs(t, err, ErrDocumentClosed)
}

func TestCacheOverflowEvictsIdle(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxDocuments: 2})

	_, err := r.Get(context.Background(), "one")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "two")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "three")
	require.NoError(t, err)

	assert.LessOrEqual(t, r.Len(), 2)
}

func TestSnapshotLoaderSeedsNewDocument(t *testing.T) {
	seed := crdt.EncodeOp(42, 0, []byte("stored state"))
	r := newTestRegistry(t, RegistryConfig{
		Loader: func(ctx context.Context, name string) ([]byte, error) {
			if name == "seeded" {
				return seed, nil
			}
			return nil, nil
		},
	})

	d, err := r.Get(context.Background(), "seeded")
	require.NoError(t, err)
	assert.Equal(t, seed, d.replica.EncodeStateAsUpdate())

	empty, err := r.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.replica.OpCount())
}

func TestTruncateHistoriesReachesEveryDocument(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	d, c, err := r.Attach(context.Background(), "doc", &fakeSink{})
	require.NoError(t, err)
	for seq := uint64(0); seq < 8; seq++ {
		require.NoError(t, d.ApplyUpdate(c, crdt.EncodeOp(c.ID(), seq, []byte{byte(seq)})))
	}
	require.Len(t, d.replica.History(), 8)

	r.TruncateHistories(2)
	assert.Len(t, d.replica.History(), 2)
	assert.Equal(t, 8, d.replica.OpCount(), "truncation must never touch document state")
}

func TestShutdownClosesAllDocuments(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	d, err := r.Get(context.Background(), "doc")
	require.NoError(t, err)

	r.Shutdown()
	assert.Equal(t, 0, r.Len())
	_, err = d.Attach(&fakeSink{})
	assert.ErrorIs(t, err, ErrDocumentClosed)
}

func TestJanitorEvictsAfterTTL(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		InstanceID:   "test-instance",
		IdleEvictTTL: 50 * time.Millisecond,
	}, bus.NewMemoryBus(), zerolog.Nop())
	t.Cleanup(r.Shutdown)

	_, err := r.Get(context.Background(), "ephemeral")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}
