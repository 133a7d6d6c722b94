// Package crdt implements the document replica the server synchronizes: a
// state-based update-log CRDT with Yjs-style state vectors. Update and state
// vector encodings are canonical, so two converged replicas produce
// byte-identical output.
//
// Model: every editing client owns a monotonically growing log of opaque op
// payloads. An update transports a set of (clientID, seq, payload) records; a
// state vector is the per-client log length. Merge is a set union, which makes
// it commutative, associative, idempotent and monotonic.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrMalformedUpdate reports update bytes the decoder cannot parse.
	ErrMalformedUpdate = errors.New("crdt: malformed update")

	// ErrMalformedStateVector reports state vector bytes the decoder cannot parse.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// op is one record of an update.
type op struct {
	Client  uint32
	Seq     uint64
	Payload []byte
}

// UpdateHandler receives every update newly applied to a replica, together
// with the opaque origin tag the caller passed to Apply.
type UpdateHandler func(update []byte, origin any)

// Replica is one in-memory document replica. Safe for concurrent use; callers
// that need apply/fan-out atomicity (the Document) add their own section on top.
type Replica struct {
	mu      sync.Mutex
	ops     map[uint32][][]byte          // client -> payloads, index == seq
	pending map[uint32]map[uint64][]byte // out-of-order ops waiting for their gap to fill

	subs    map[int]UpdateHandler
	nextSub int

	// history is a ring of recently applied update blobs, kept as a debugging
	// and replay aid. The memory manager truncates it; document state never
	// depends on it.
	history    [][]byte
	historyCap int
}

// NewReplica creates an empty replica.
func NewReplica() *Replica {
	return &Replica{
		ops:        make(map[uint32][][]byte),
		pending:    make(map[uint32]map[uint64][]byte),
		subs:       make(map[int]UpdateHandler),
		historyCap: 256,
	}
}

// SubscribeUpdates registers fn for "update produced" events. The returned
// function unsubscribes synchronously: after it returns, fn is never called
// again.
func (r *Replica) SubscribeUpdates(fn UpdateHandler) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Apply merges an update into the replica. It returns the canonical encoding
// of the ops that were actually new; replaying an already-known update returns
// an empty slice and emits no event (idempotence). Out-of-order ops are parked
// until the op preceding them arrives.
func (r *Replica) Apply(update []byte, origin any) ([]byte, error) {
	records, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var applied []op
	for _, rec := range records {
		applied = append(applied, r.integrate(rec)...)
	}

	var encoded []byte
	var handlers []UpdateHandler
	if len(applied) > 0 {
		sortOps(applied)
		encoded = encodeOps(applied)
		r.pushHistory(encoded)
		handlers = make([]UpdateHandler, 0, len(r.subs))
		for _, fn := range r.subs {
			handlers = append(handlers, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(encoded, origin)
	}
	if encoded == nil {
		return nil, nil
	}
	return encoded, nil
}

// integrate files one op, draining any parked successors it unblocks.
// Caller holds r.mu.
func (r *Replica) integrate(rec op) []op {
	have := uint64(len(r.ops[rec.Client]))
	switch {
	case rec.Seq < have:
		return nil // duplicate
	case rec.Seq > have:
		park := r.pending[rec.Client]
		if park == nil {
			park = make(map[uint64][]byte)
			r.pending[rec.Client] = park
		}
		park[rec.Seq] = rec.Payload
		return nil
	}

	applied := []op{rec}
	r.ops[rec.Client] = append(r.ops[rec.Client], rec.Payload)

	// Drain parked ops that are now contiguous.
	park := r.pending[rec.Client]
	for {
		next := uint64(len(r.ops[rec.Client]))
		payload, ok := park[next]
		if !ok {
			break
		}
		delete(park, next)
		r.ops[rec.Client] = append(r.ops[rec.Client], payload)
		applied = append(applied, op{Client: rec.Client, Seq: next, Payload: payload})
	}
	if len(park) == 0 {
		delete(r.pending, rec.Client)
	}
	return applied
}

// StateVector returns the canonical state vector: per-client log length,
// clients sorted ascending.
func (r *Replica) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := sortedClients(r.ops)
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(clients)))
	for _, c := range clients {
		writeUvarint(&buf, uint64(c))
		writeUvarint(&buf, uint64(len(r.ops[c])))
	}
	return buf.Bytes()
}

// DiffSince computes the minimal update that brings a remote replica with the
// given state vector up to this replica's state.
func (r *Replica) DiffSince(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var records []op
	for _, c := range sortedClients(r.ops) {
		from := remote[c]
		log := r.ops[c]
		for seq := from; seq < uint64(len(log)); seq++ {
			records = append(records, op{Client: c, Seq: seq, Payload: log[seq]})
		}
	}
	return encodeOps(records), nil
}

// EncodeStateAsUpdate returns the full replica state as one canonical update.
func (r *Replica) EncodeStateAsUpdate() []byte {
	update, _ := r.DiffSince(EmptyStateVector())
	return update
}

// OpCount returns the total number of integrated ops, used by stats.
func (r *Replica) OpCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, log := range r.ops {
		n += len(log)
	}
	return n
}

// History returns a snapshot of the recently applied update blobs.
func (r *Replica) History() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.history))
	copy(out, r.history)
	return out
}

// TruncateHistory caps the applied-update history ring at n entries, keeping
// the newest. Document state is unaffected.
func (r *Replica) TruncateHistory(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	r.historyCap = n
	if len(r.history) > n {
		r.history = append([][]byte(nil), r.history[len(r.history)-n:]...)
	}
}

// Caller holds r.mu.
func (r *Replica) pushHistory(update []byte) {
	if r.historyCap == 0 {
		return
	}
	r.history = append(r.history, update)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
}

// MergeUpdates unions several updates into one canonical blob. A decode
// failure on any input returns an error so the caller can fall back to
// sending the inputs individually.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	merged := make(map[uint32]map[uint64][]byte)
	for i, u := range updates {
		records, err := decodeUpdate(u)
		if err != nil {
			return nil, fmt.Errorf("merge input %d: %w", i, err)
		}
		for _, rec := range records {
			byClient := merged[rec.Client]
			if byClient == nil {
				byClient = make(map[uint64][]byte)
				merged[rec.Client] = byClient
			}
			byClient[rec.Seq] = rec.Payload
		}
	}

	var records []op
	for client, byClient := range merged {
		for seq, payload := range byClient {
			records = append(records, op{Client: client, Seq: seq, Payload: payload})
		}
	}
	sortOps(records)
	return encodeOps(records), nil
}

// EncodeOp builds a single-record update. This is how an editing client's op
// enters the system; exposed for tests and tooling.
func EncodeOp(clientID uint32, seq uint64, payload []byte) []byte {
	return encodeOps([]op{{Client: clientID, Seq: seq, Payload: payload}})
}

// EmptyStateVector returns the state vector of an empty replica.
func EmptyStateVector() []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, 0)
	return buf.Bytes()
}

func sortedClients(m map[uint32][][]byte) []uint32 {
	clients := make([]uint32, 0, len(m))
	for c := range m {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

func sortOps(records []op) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Client != records[j].Client {
			return records[i].Client < records[j].Client
		}
		return records[i].Seq < records[j].Seq
	})
}

func encodeOps(records []op) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(records)))
	for _, rec := range records {
		writeUvarint(&buf, uint64(rec.Client))
		writeUvarint(&buf, rec.Seq)
		writeUvarint(&buf, uint64(len(rec.Payload)))
		buf.Write(rec.Payload)
	}
	return buf.Bytes()
}

func decodeUpdate(update []byte) ([]op, error) {
	rd := bytes.NewReader(update)
	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, ErrMalformedUpdate
	}
	// The count varint comes off the wire; every record needs at least three
	// bytes, so a count beyond the remaining length is a lie and must never
	// size the allocation.
	if count > uint64(rd.Len()) {
		return nil, ErrMalformedUpdate
	}
	records := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		client, err := binary.ReadUvarint(rd)
		if err != nil || client > 0xFFFFFFFF {
			return nil, ErrMalformedUpdate
		}
		seq, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		size, err := binary.ReadUvarint(rd)
		if err != nil || size > uint64(rd.Len()) {
			return nil, ErrMalformedUpdate
		}
		payload := make([]byte, size)
		if _, err := rd.Read(payload); err != nil && size > 0 {
			return nil, ErrMalformedUpdate
		}
		records = append(records, op{Client: uint32(client), Seq: seq, Payload: payload})
	}
	if rd.Len() != 0 {
		return nil, ErrMalformedUpdate
	}
	return records, nil
}

func decodeStateVector(sv []byte) (map[uint32]uint64, error) {
	rd := bytes.NewReader(sv)
	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, ErrMalformedStateVector
	}
	// Same overstated-count guard as decodeUpdate: entries are at least two
	// bytes each.
	if count > uint64(rd.Len()) {
		return nil, ErrMalformedStateVector
	}
	out := make(map[uint32]uint64, count)
	for i := uint64(0); i < count; i++ {
		client, err := binary.ReadUvarint(rd)
		if err != nil || client > 0xFFFFFFFF {
			return nil, ErrMalformedStateVector
		}
		n, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, ErrMalformedStateVector
		}
		out[uint32(client)] = n
	}
	if rd.Len() != 0 {
		return nil, ErrMalformedStateVector
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
