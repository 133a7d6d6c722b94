package bus

import (
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus. It backs single-instance deployments (no
// NATS URL configured) and the multi-instance convergence tests, where two
// registries share one MemoryBus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// Publish delivers synchronously to every subscriber of the subject,
// publisher included, matching the self-delivery semantics of a real broker.
func (b *MemoryBus) Publish(subject string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, fn := range b.subs[subject] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	// Unlike the NATS bus, multiple subscriptions per subject are allowed:
	// two instances sharing one MemoryBus each hold their own subscription.
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[subject][id] = handler
	return &memorySubscription{bus: b, subject: subject, id: id}, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	id      int
	once    sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.subject]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.subject)
			}
		}
	})
	return nil
}

// Healthy always reports true; there is no transport to lose.
func (b *MemoryBus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// OnConnectionChange is a no-op for the in-process bus.
func (b *MemoryBus) OnConnectionChange(fn func(connected bool)) {}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus: already closed")
	}
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	return nil
}
