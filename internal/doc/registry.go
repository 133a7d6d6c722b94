package doc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/monitoring"
)

// SnapshotLoader seeds a freshly created document from external storage. It
// returns an update blob to apply, or nil when the document has no snapshot.
// Optional; the server runs memory-only without one.
type SnapshotLoader func(ctx context.Context, name string) ([]byte, error)

// RegistryConfig tunes the document cache.
type RegistryConfig struct {
	InstanceID string
	// IdleEvictTTL is how long an unused document stays cached.
	IdleEvictTTL time.Duration
	// MaxDocuments bounds the cache; exceeding it evicts idle documents
	// regardless of TTL.
	MaxDocuments int
	// Document holds the per-document broadcast options.
	Document Options
	// Loader is the optional snapshot source for new documents.
	Loader SnapshotLoader
}

// Registry owns every live document on this instance. Creation is
// single-flight so a stampede of connections for one document builds exactly
// one replica; the map lock is held only for O(1) operations.
type Registry struct {
	cfg    RegistryConfig
	b      bus.Bus
	logger zerolog.Logger

	mu   sync.RWMutex
	docs map[string]*Document

	group singleflight.Group

	janitorStop chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// NewRegistry builds a registry and starts its idle-eviction janitor.
func NewRegistry(cfg RegistryConfig, b bus.Bus, logger zerolog.Logger) *Registry {
	r := &Registry{
		cfg:         cfg,
		b:           b,
		logger:      logger.With().Str("component", "registry").Logger(),
		docs:        make(map[string]*Document),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Get returns the live document, creating it on first use. Concurrent calls
// for the same name share one creation; the bus subscriptions are installed
// before the document becomes visible, so no remote update is missed.
func (r *Registry) Get(ctx context.Context, name string) (*Document, error) {
	r.mu.RLock()
	d, ok := r.docs[name]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// Re-check: a previous flight may have inserted it.
		r.mu.RLock()
		d, ok := r.docs[name]
		r.mu.RUnlock()
		if ok {
			return d, nil
		}

		d = newDocument(name, r.cfg.InstanceID, r.b, r.cfg.Document, r.logger)
		if err := d.subscribeBus(); err != nil {
			return nil, fmt.Errorf("subscribe document %q: %w", name, err)
		}

		if r.cfg.Loader != nil {
			snapshot, err := r.cfg.Loader(ctx, name)
			if err != nil {
				d.close()
				return nil, fmt.Errorf("load snapshot for %q: %w", name, err)
			}
			if snapshot != nil {
				if err := d.seed(snapshot); err != nil {
					d.close()
					return nil, fmt.Errorf("apply snapshot for %q: %w", name, err)
				}
			}
		}

		r.mu.Lock()
		r.docs[name] = d
		size := len(r.docs)
		r.mu.Unlock()

		monitoring.DocumentsActive.Set(float64(size))
		r.logger.Info().Str("doc", name).Int("cached_docs", size).Msg("Document created")

		if r.cfg.MaxDocuments > 0 && size > r.cfg.MaxDocuments {
			r.EvictIdle(size - r.cfg.MaxDocuments)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Attach fetches the document and attaches the sink, retrying when it races
// an eviction: a closed document is removed from the map, so the next Get
// builds a fresh replica.
func (r *Registry) Attach(ctx context.Context, name string, sink Sink) (*Document, *Client, error) {
	for {
		d, err := r.Get(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		c, err := d.Attach(sink)
		if err == ErrDocumentClosed {
			r.remove(name, d)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return d, c, nil
	}
}

// ForEach calls fn for every cached document.
func (r *Registry) ForEach(fn func(d *Document)) {
	r.mu.RLock()
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.RUnlock()
	for _, d := range docs {
		fn(d)
	}
}

// Len returns the number of cached documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Snapshot returns per-document stats sorted by name, for /stats.
func (r *Registry) Snapshot() []Stats {
	var out []Stats
	r.ForEach(func(d *Document) { out = append(out, d.Snapshot()) })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EvictIdle closes and removes up to max idle documents, oldest first,
// ignoring the TTL; max <= 0 means all idle documents. Called on cache
// overflow and by the memory manager under pressure. Returns how many were
// evicted.
func (r *Registry) EvictIdle(max int) int {
	// Every current document qualifies by age; closeIfIdle still requires
	// zero attachments and an empty flush queue.
	return r.evict(time.Now().Add(time.Second), max)
}

// TruncateHistories caps every cached document's history ring, the memory
// manager's second reclamation lever.
func (r *Registry) TruncateHistories(n int) {
	r.ForEach(func(d *Document) { d.TruncateHistory(n) })
}

func (r *Registry) evict(cutoff time.Time, max int) int {
	type candidate struct {
		name string
		d    *Document
		last time.Time
	}
	r.mu.RLock()
	candidates := make([]candidate, 0, len(r.docs))
	for name, d := range r.docs {
		d.mu.Lock()
		idle := len(d.conns) == 0 && len(d.pending) == 0
		last := d.lastActive
		d.mu.Unlock()
		if idle && last.Before(cutoff) {
			candidates = append(candidates, candidate{name: name, d: d, last: last})
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	evicted := 0
	for _, c := range candidates {
		if max > 0 && evicted >= max {
			break
		}
		if !c.d.closeIfIdle(cutoff) {
			continue // re-attached since the scan
		}
		r.remove(c.name, c.d)
		evicted++
		monitoring.DocumentsEvicted.Inc()
		r.logger.Info().Str("doc", c.name).Msg("Evicted idle document")
	}
	if evicted > 0 {
		monitoring.DocumentsActive.Set(float64(r.Len()))
	}
	return evicted
}

// remove deletes a specific document pointer from the map. The pointer match
// protects a fresh replica that reused the name.
func (r *Registry) remove(name string, d *Document) {
	r.mu.Lock()
	if cur, ok := r.docs[name]; ok && cur == d {
		delete(r.docs, name)
	}
	r.mu.Unlock()
}

func (r *Registry) janitor() {
	defer close(r.janitorDone)
	interval := r.cfg.IdleEvictTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			r.evict(time.Now().Add(-r.cfg.IdleEvictTTL), 0)
		}
	}
}

// Shutdown stops the janitor and closes every document, flushing any pending
// broadcasts.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.janitorStop) })
	<-r.janitorDone

	r.mu.Lock()
	docs := r.docs
	r.docs = make(map[string]*Document)
	r.mu.Unlock()

	for _, d := range docs {
		d.close()
	}
	monitoring.DocumentsActive.Set(0)
	r.logger.Info().Int("docs", len(docs)).Msg("Registry shut down")
}
