// Package bus carries document updates between server instances. Each
// document maps to its own subjects, so an instance only receives traffic
// for documents it currently holds open.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateSubscription reports a second Subscribe on a subject that
	// already has a live subscription from this client.
	ErrDuplicateSubscription = errors.New("bus: subject already subscribed")

	// ErrClosed reports use of a bus after Close.
	ErrClosed = errors.New("bus: closed")
)

// Message is the envelope published for every cross-instance event.
type Message struct {
	Document string `json:"doc"`
	Update   []byte `json:"update"`
	Instance string `json:"instance"` // publishing instance tag, for loop suppression
	ID       string `json:"id"`
	SentAt   int64  `json:"ts"` // unix millis, for propagation-lag debugging
}

// NewMessage builds an envelope for one update originating on this instance.
func NewMessage(document, instance string, update []byte) Message {
	return Message{
		Document: document,
		Update:   update,
		Instance: instance,
		ID:       uuid.NewString(),
		SentAt:   time.Now().UnixMilli(),
	}
}

// Marshal encodes the envelope for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes an envelope off the wire.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("bus: decode message: %w", err)
	}
	return m, nil
}

// Handler receives every message delivered on a subscribed subject,
// including messages this instance published itself. Loop suppression is the
// consumer's job, keyed on Message.Instance.
type Handler func(msg Message)

// Subscription is one live subject subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Bus is the pub/sub transport between instances. Implementations must
// deliver published messages to all subscribers of the subject, publisher
// included.
type Bus interface {
	Publish(subject string, msg Message) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// Healthy reports whether the transport is currently connected.
	Healthy() bool
	// OnConnectionChange registers a callback invoked with the new
	// connectivity state on connect, disconnect and reconnect.
	OnConnectionChange(fn func(connected bool))
	Close() error
}

// UpdateSubject returns the subject carrying CRDT updates for a document.
func UpdateSubject(document string) string {
	return "doc." + document + ".updates"
}

// AwarenessSubject returns the subject carrying awareness diffs for a document.
func AwarenessSubject(document string) string {
	return "doc." + document + ".awareness"
}
