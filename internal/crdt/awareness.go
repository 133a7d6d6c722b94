package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
)

// ErrMalformedAwareness reports awareness bytes the decoder cannot parse.
var ErrMalformedAwareness = errors.New("crdt: malformed awareness update")

// tombstone marks a removed awareness entry on the wire.
var tombstone = []byte("null")

// AwarenessChange lists the client IDs affected by one applied awareness
// update, split the way subscribers want to consume them.
type AwarenessChange struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// Any reports whether the change touched at least one client.
func (c AwarenessChange) Any() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) > 0
}

// All returns every affected client ID, for diff re-encoding.
func (c AwarenessChange) All() []uint32 {
	out := make([]uint32, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

type awarenessEntry struct {
	clock uint64
	data  []byte // JSON blob; nil after removal
	gone  bool
}

// Awareness holds the ephemeral per-client presence states of one document.
// States are last-writer-wins per client, ordered by a per-client clock; a
// "null" blob removes the entry.
//
// Wire format of an awareness update: uvarint entry count, then per entry
// uvarint clientID, uvarint clock, uvarint length, JSON blob.
type Awareness struct {
	mu      sync.Mutex
	entries map[uint32]awarenessEntry
}

func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[uint32]awarenessEntry)}
}

// ApplyUpdate merges an awareness diff and reports which clients changed.
// Entries with a clock not newer than the known one are ignored.
func (a *Awareness) ApplyUpdate(update []byte) (AwarenessChange, error) {
	rd := bytes.NewReader(update)
	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return AwarenessChange{}, ErrMalformedAwareness
	}
	// Entries are at least three bytes each; reject an overstated count
	// before doing any work on its behalf.
	if count > uint64(rd.Len()) {
		return AwarenessChange{}, ErrMalformedAwareness
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var change AwarenessChange
	for i := uint64(0); i < count; i++ {
		client, err := binary.ReadUvarint(rd)
		if err != nil || client > 0xFFFFFFFF {
			return AwarenessChange{}, ErrMalformedAwareness
		}
		clock, err := binary.ReadUvarint(rd)
		if err != nil {
			return AwarenessChange{}, ErrMalformedAwareness
		}
		size, err := binary.ReadUvarint(rd)
		if err != nil || size > uint64(rd.Len()) {
			return AwarenessChange{}, ErrMalformedAwareness
		}
		data := make([]byte, size)
		if _, err := rd.Read(data); err != nil && size > 0 {
			return AwarenessChange{}, ErrMalformedAwareness
		}

		id := uint32(client)
		existing, known := a.entries[id]
		if known && clock <= existing.clock {
			continue
		}

		if bytes.Equal(data, tombstone) {
			a.entries[id] = awarenessEntry{clock: clock, gone: true}
			if known && !existing.gone {
				change.Removed = append(change.Removed, id)
			}
			continue
		}

		a.entries[id] = awarenessEntry{clock: clock, data: data}
		if !known || existing.gone {
			change.Added = append(change.Added, id)
		} else {
			change.Updated = append(change.Updated, id)
		}
	}
	if rd.Len() != 0 {
		return AwarenessChange{}, ErrMalformedAwareness
	}
	return change, nil
}

// Remove drops a client's state (connection detached) and returns the diff to
// broadcast, or nil if the client had no live state.
func (a *Awareness) Remove(clientID uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, known := a.entries[clientID]
	if !known || existing.gone {
		return nil
	}
	a.entries[clientID] = awarenessEntry{clock: existing.clock + 1, gone: true}
	return a.encodeLocked([]uint32{clientID})
}

// EncodeClients encodes a diff for the given client IDs.
func (a *Awareness) EncodeClients(ids []uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.encodeLocked(ids)
}

// EncodeAll encodes the full live state, for query-awareness and the join
// snapshot. Tombstoned entries are skipped.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint32, 0, len(a.entries))
	for id, e := range a.entries {
		if !e.gone {
			ids = append(ids, id)
		}
	}
	return a.encodeLocked(ids)
}

// Count returns the number of live presence states.
func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if !e.gone {
			n++
		}
	}
	return n
}

// Caller holds a.mu.
func (a *Awareness) encodeLocked(ids []uint32) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ids)))
	for _, id := range ids {
		e := a.entries[id]
		data := e.data
		if e.gone || data == nil {
			data = tombstone
		}
		writeUvarint(&buf, uint64(id))
		writeUvarint(&buf, e.clock)
		writeUvarint(&buf, uint64(len(data)))
		buf.Write(data)
	}
	return buf.Bytes()
}

// EncodeAwarenessState builds a single-client awareness diff. Exists for
// tests and tooling; real diffs come from the browser's awareness encoder.
func EncodeAwarenessState(clientID uint32, clock uint64, state []byte) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, 1)
	writeUvarint(&buf, uint64(clientID))
	writeUvarint(&buf, clock)
	writeUvarint(&buf, uint64(len(state)))
	buf.Write(state)
	return buf.Bytes()
}
