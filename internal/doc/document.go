// Package doc holds the live document replicas: the shared CRDT state, the
// clients attached to each document, the debounced local fan-out, and the
// bridge that keeps replicas of the same document converged across instances.
package doc

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/crdt"
	"github.com/coedit-dev/coedit/internal/monitoring"
	"github.com/coedit-dev/coedit/internal/protocol"
)

// ErrDocumentClosed reports an operation on a document that has been evicted.
// Callers re-fetch from the registry, which creates a fresh replica.
var ErrDocumentClosed = errors.New("doc: document closed")

// Sink is the outbound side of an attached connection. Enqueue must never
// block; it reports whether the frame was accepted without dropping.
type Sink interface {
	Enqueue(frame []byte) bool
}

// Client is one attachment of a connection to a document. The document
// assigns the client ID; it doubles as the CRDT client ID for ops the
// connection submits.
type Client struct {
	id   uint32
	sink Sink
}

// ID returns the document-assigned client ID.
func (c *Client) ID() uint32 { return c.id }

// broadcastOrigin tags an applied update with where it came from: fan-out
// excludes originating connections, and bus-origin updates are never
// re-published.
type broadcastOrigin struct {
	client  *Client // nil for bus-origin updates
	fromBus bool
}

// pendingUpdate is one locally originated update waiting in the debounce
// queue. Bus-origin updates never queue; they fan out on arrival.
type pendingUpdate struct {
	data   []byte
	origin *Client
}

// Options tunes a document's broadcast behavior.
type Options struct {
	// DebounceDelay is the quiet period before a flush. Zero disables
	// debouncing entirely: every update fans out synchronously.
	DebounceDelay time.Duration
	// DebounceMaxDelay caps how long the first pending update may wait while
	// later updates keep extending the quiet period.
	DebounceMaxDelay time.Duration
	// HistoryLimit caps the replica's applied-update history ring.
	HistoryLimit int
}

// Document is one named collaborative document on this instance.
type Document struct {
	name       string
	instanceID string
	replica    *crdt.Replica
	awareness  *crdt.Awareness
	b          bus.Bus
	opts       Options
	logger     zerolog.Logger

	mu           sync.Mutex
	conns        map[uint32]*Client
	nextClientID uint32
	lastActive   time.Time
	closed       bool

	// Debounce state, guarded by mu.
	pending        []pendingUpdate
	firstPendingAt time.Time
	flushTimer     *time.Timer

	unsubReplica func()
	busSubs      []bus.Subscription
}

// newDocument builds a document and wires the replica's update events into
// the broadcast scheduler. Bus subscriptions are installed separately by
// subscribeBus, outside the registry lock.
func newDocument(name, instanceID string, b bus.Bus, opts Options, logger zerolog.Logger) *Document {
	d := &Document{
		name:       name,
		instanceID: instanceID,
		replica:    crdt.NewReplica(),
		awareness:  crdt.NewAwareness(),
		b:          b,
		opts:       opts,
		logger:     logger.With().Str("component", "document").Str("doc", name).Logger(),
		conns:      make(map[uint32]*Client),
		lastActive: time.Now(),
	}
	if opts.HistoryLimit > 0 {
		d.replica.TruncateHistory(opts.HistoryLimit)
	}
	d.unsubReplica = d.replica.SubscribeUpdates(func(update []byte, origin any) {
		tag, _ := origin.(broadcastOrigin)
		d.scheduleBroadcast(update, tag)
	})
	return d
}

// subscribeBus attaches the document to its bus subjects. Must run before the
// document is handed to callers, or remote updates race the first sync.
func (d *Document) subscribeBus() error {
	updates, err := d.b.Subscribe(bus.UpdateSubject(d.name), d.handleBusUpdate)
	if err != nil {
		return err
	}
	awareness, err := d.b.Subscribe(bus.AwarenessSubject(d.name), d.handleBusAwareness)
	if err != nil {
		_ = updates.Unsubscribe()
		return err
	}
	d.mu.Lock()
	d.busSubs = []bus.Subscription{updates, awareness}
	d.mu.Unlock()
	return nil
}

// Name returns the document name.
func (d *Document) Name() string { return d.name }

// Attach registers a connection sink and returns its client handle.
func (d *Document) Attach(sink Sink) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDocumentClosed
	}
	d.nextClientID++
	c := &Client{id: d.nextClientID, sink: sink}
	d.conns[c.id] = c
	d.lastActive = time.Now()
	return c, nil
}

// Detach removes a connection. Its pending debounced updates flush first so
// no edit is lost, then its awareness state is withdrawn and the removal is
// broadcast locally and over the bus.
func (d *Document) Detach(c *Client) {
	d.mu.Lock()
	if _, ok := d.conns[c.id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, c.id)
	d.lastActive = time.Now()
	d.mu.Unlock()

	d.flush("detach")

	if diff := d.awareness.Remove(c.id); diff != nil {
		d.broadcastAwareness(diff, nil)
		d.publishAwareness(diff)
	}
}

// ApplyUpdate merges an update submitted by an attached client. Convergence
// work happens in the replica; the fan-out (local clients, then the bus) is
// driven by the replica's update event and the debounce schedule.
func (d *Document) ApplyUpdate(c *Client, update []byte) error {
	d.touch()
	_, err := d.replica.Apply(update, broadcastOrigin{client: c})
	if err != nil {
		monitoring.ApplyErrors.Inc()
		return err
	}
	monitoring.UpdatesApplied.WithLabelValues("local").Inc()
	return nil
}

// seed loads a stored snapshot into a freshly created document. Tagged as a
// bus-origin apply so the snapshot is never re-published.
func (d *Document) seed(snapshot []byte) error {
	_, err := d.replica.Apply(snapshot, broadcastOrigin{fromBus: true})
	return err
}

// handleBusUpdate applies an update published by another instance. Updates
// tagged with this instance's ID already fanned out locally and are dropped.
func (d *Document) handleBusUpdate(msg bus.Message) {
	if msg.Instance == d.instanceID {
		monitoring.BusMessagesSuppressed.Inc()
		return
	}
	d.touch()
	if _, err := d.replica.Apply(msg.Update, broadcastOrigin{fromBus: true}); err != nil {
		monitoring.ApplyErrors.Inc()
		d.logger.Warn().Err(err).Str("from_instance", msg.Instance).Msg("Dropping malformed bus update")
		return
	}
	monitoring.UpdatesApplied.WithLabelValues("bus").Inc()
}

// ApplyAwareness merges a presence diff from an attached client and fans it
// out immediately. Awareness is ephemeral and cheap, so it skips the
// debounce entirely.
func (d *Document) ApplyAwareness(c *Client, diff []byte) error {
	d.touch()
	change, err := d.awareness.ApplyUpdate(diff)
	if err != nil {
		return err
	}
	if !change.Any() {
		return nil
	}
	// Re-encode rather than relaying the client's bytes so stale entries the
	// clock check rejected do not propagate.
	encoded := d.awareness.EncodeClients(change.All())
	d.broadcastAwareness(encoded, c)
	d.publishAwareness(encoded)
	return nil
}

// handleBusAwareness merges a presence diff from another instance.
func (d *Document) handleBusAwareness(msg bus.Message) {
	if msg.Instance == d.instanceID {
		monitoring.BusMessagesSuppressed.Inc()
		return
	}
	change, err := d.awareness.ApplyUpdate(msg.Update)
	if err != nil {
		d.logger.Warn().Err(err).Str("from_instance", msg.Instance).Msg("Dropping malformed bus awareness")
		return
	}
	if !change.Any() {
		return
	}
	d.broadcastAwareness(d.awareness.EncodeClients(change.All()), nil)
}

// StateVector returns the replica's current state vector.
func (d *Document) StateVector() []byte {
	return d.replica.StateVector()
}

// DiffSince computes the catch-up update for a remote state vector.
func (d *Document) DiffSince(stateVector []byte) ([]byte, error) {
	return d.replica.DiffSince(stateVector)
}

// AwarenessSnapshot returns the full live presence state, or nil when empty.
func (d *Document) AwarenessSnapshot() []byte {
	if d.awareness.Count() == 0 {
		return nil
	}
	return d.awareness.EncodeAll()
}

// ClientCount returns the number of locally attached clients.
func (d *Document) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Stats is the per-document block of the /stats response.
type Stats struct {
	Name       string    `json:"name"`
	Clients    int       `json:"clients"`
	Ops        int       `json:"ops"`
	Awareness  int       `json:"awareness"`
	LastActive time.Time `json:"last_active"`
}

// Snapshot returns current counters for the stats endpoint.
func (d *Document) Snapshot() Stats {
	d.mu.Lock()
	clients := len(d.conns)
	last := d.lastActive
	d.mu.Unlock()
	return Stats{
		Name:       d.name,
		Clients:    clients,
		Ops:        d.replica.OpCount(),
		Awareness:  d.awareness.Count(),
		LastActive: last,
	}
}

// TruncateHistory shrinks the replica's history ring. Used under memory
// pressure; document state is unaffected.
func (d *Document) TruncateHistory(n int) {
	d.replica.TruncateHistory(n)
}

func (d *Document) touch() {
	d.mu.Lock()
	d.lastActive = time.Now()
	d.mu.Unlock()
}

// scheduleBroadcast dispatches a freshly applied update. Bus-origin updates
// already waited out their debounce on the publishing instance, so they fan
// out to local clients immediately and are never re-published. Local updates
// queue for the debounced flush: with a zero delay the flush runs inline,
// otherwise the quiet-period timer is started or extended, bounded by
// DebounceMaxDelay from the first queued update.
func (d *Document) scheduleBroadcast(update []byte, origin broadcastOrigin) {
	if origin.fromBus {
		d.broadcastUpdate(protocol.EncodeUpdate(update))
		return
	}

	if d.opts.DebounceDelay <= 0 {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.pending = append(d.pending, pendingUpdate{data: update, origin: origin.client})
		d.mu.Unlock()
		d.flush("sync")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	now := time.Now()
	d.pending = append(d.pending, pendingUpdate{data: update, origin: origin.client})
	if len(d.pending) == 1 {
		d.firstPendingAt = now
	}

	fireAt := now.Add(d.opts.DebounceDelay)
	if deadline := d.firstPendingAt.Add(d.opts.DebounceMaxDelay); fireAt.After(deadline) {
		fireAt = deadline
	}
	wait := time.Until(fireAt)
	if wait < 0 {
		wait = 0
	}
	if d.flushTimer == nil {
		d.flushTimer = time.AfterFunc(wait, func() { d.flush("timer") })
	} else {
		d.flushTimer.Reset(wait)
	}
	d.mu.Unlock()
}

// flush drains the debounce queue: one merged frame to every local client
// that did not contribute to the batch, one merged publish to the bus.
func (d *Document) flush(trigger string) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = nil
	d.firstPendingAt = time.Time{}
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	conns := make([]*Client, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	monitoring.DebounceFlushes.WithLabelValues(trigger).Inc()

	// Every connection that contributed an update to the batch already holds
	// its own ops; skip each of them during fan-out.
	origins := make(map[*Client]struct{}, 1)
	updates := make([][]byte, len(batch))
	for i, p := range batch {
		updates[i] = p.data
		if p.origin != nil {
			origins[p.origin] = struct{}{}
		}
	}

	frames := d.mergeToFrames(updates)
	for _, c := range conns {
		if _, skip := origins[c]; skip {
			continue
		}
		for _, frame := range frames {
			if !c.sink.Enqueue(frame) {
				monitoring.BroadcastsDropped.Inc()
			}
		}
	}

	merged, err := crdt.MergeUpdates(updates)
	if err != nil {
		// Publish individually; the inputs were produced by the replica, so
		// this path means corruption worth surfacing.
		d.logger.Error().Err(err).Msg("Merge for bus publish failed, publishing individually")
		for _, u := range updates {
			d.publishUpdate(u)
		}
		return
	}
	d.publishUpdate(merged)
}

// mergeToFrames produces the sync frames for one flush batch, falling back to
// one frame per update when the merge fails.
func (d *Document) mergeToFrames(updates [][]byte) [][]byte {
	merged, err := crdt.MergeUpdates(updates)
	if err != nil {
		d.logger.Error().Err(err).Msg("Merge for fan-out failed, sending individually")
		frames := make([][]byte, len(updates))
		for i, u := range updates {
			frames[i] = protocol.EncodeUpdate(u)
		}
		return frames
	}
	return [][]byte{protocol.EncodeUpdate(merged)}
}

func (d *Document) publishUpdate(update []byte) {
	msg := bus.NewMessage(d.name, d.instanceID, update)
	if err := d.b.Publish(bus.UpdateSubject(d.name), msg); err != nil {
		d.logger.Warn().Err(err).Msg("Bus publish failed, local clients already served")
	}
}

func (d *Document) publishAwareness(diff []byte) {
	msg := bus.NewMessage(d.name, d.instanceID, diff)
	if err := d.b.Publish(bus.AwarenessSubject(d.name), msg); err != nil {
		d.logger.Warn().Err(err).Msg("Bus awareness publish failed")
	}
}

// broadcastUpdate fans one sync frame out to every local client. Used for
// bus-origin updates, where no local connection is the origin.
func (d *Document) broadcastUpdate(frame []byte) {
	d.mu.Lock()
	conns := make([]*Client, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if !c.sink.Enqueue(frame) {
			monitoring.BroadcastsDropped.Inc()
		}
	}
}

// broadcastAwareness fans a presence diff out to local clients, excluding the
// originating connection when there is one.
func (d *Document) broadcastAwareness(diff []byte, origin *Client) {
	frame := protocol.EncodeAwareness(diff)
	d.mu.Lock()
	conns := make([]*Client, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if c == origin {
			continue
		}
		if !c.sink.Enqueue(frame) {
			monitoring.BroadcastsDropped.Inc()
		}
	}
}

// closeIfIdle atomically checks evictability and marks the document closed:
// nothing attached, nothing waiting to flush, no activity since the cutoff.
// The check and the closed flag share one lock hold so an Attach can never
// land on a document that is about to be torn down.
func (d *Document) closeIfIdle(cutoff time.Time) bool {
	d.mu.Lock()
	if d.closed || len(d.conns) > 0 || len(d.pending) > 0 || !d.lastActive.Before(cutoff) {
		d.mu.Unlock()
		return false
	}
	d.closed = true
	subs := d.busSubs
	d.busSubs = nil
	d.mu.Unlock()

	d.teardown(subs)
	return true
}

// close marks the document dead unconditionally (server shutdown), flushes
// any pending updates and tears down the bus subscriptions. Attach on a
// closed document fails with ErrDocumentClosed.
func (d *Document) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.busSubs
	d.busSubs = nil
	d.mu.Unlock()

	d.teardown(subs)
}

func (d *Document) teardown(subs []bus.Subscription) {
	d.flush("evict")
	d.unsubReplica()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn().Err(err).Msg("Bus unsubscribe failed during close")
		}
	}
}
