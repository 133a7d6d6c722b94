package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/coedit-dev/coedit/internal/monitoring"
)

// NATSConfig tunes the NATS connection.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// DefaultNATSConfig returns the connection tuning used in production.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:             url,
		MaxReconnects:   -1, // keep retrying; documents survive a broker blip
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		PingInterval:    20 * time.Second,
		MaxPingsOut:     3,
	}
}

// NATSBus implements Bus on a core NATS connection. Delivery is at-most-once
// per connected subscriber; a missed window is recovered by the next sync
// handshake, so no JetStream persistence is needed.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	onChange []func(connected bool)
	closed   bool
}

// NewNATSBus connects to NATS and installs reconnect handlers.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ErrorHandler(b.handleError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn
	monitoring.BusConnected.Set(1)
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return b, nil
}

func (b *NATSBus) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("Disconnected from NATS")
	} else {
		b.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.BusConnected.Set(0)
	b.notify(false)
}

func (b *NATSBus) handleReconnect(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	monitoring.BusConnected.Set(1)
	monitoring.BusReconnects.Inc()
	b.notify(true)
}

func (b *NATSBus) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := b.logger.Error().Err(err)
	if sub != nil {
		event = event.Str("subject", sub.Subject)
	}
	event.Msg("NATS async error")
}

func (b *NATSBus) notify(connected bool) {
	b.mu.Lock()
	callbacks := make([]func(bool), len(b.onChange))
	copy(callbacks, b.onChange)
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn(connected)
	}
}

// Publish sends one envelope. A marshal or transport error is returned to the
// caller; the document layer logs and carries on, because local clients were
// already served.
func (b *NATSBus) Publish(subject string, msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	monitoring.BusMessagesSent.Inc()
	return nil
}

// Subscribe installs a handler for a subject. One subscription per subject
// per bus; a second Subscribe returns ErrDuplicateSubscription so the caller
// notices a registry accounting bug instead of double-delivering.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subs[subject]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, subject)
	}

	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := UnmarshalMessage(m.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping malformed bus message")
			return
		}
		monitoring.BusMessagesReceived.Inc()
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.subs[subject] = sub
	b.logger.Debug().Str("subject", subject).Msg("Subscribed")
	return &natsSubscription{bus: b, subject: subject, sub: sub}, nil
}

type natsSubscription struct {
	bus     *NATSBus
	subject string
	sub     *nats.Subscription
	once    sync.Once
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.subject)
		s.bus.mu.Unlock()
		err = s.sub.Unsubscribe()
		s.bus.logger.Debug().Str("subject", s.subject).Msg("Unsubscribed")
	})
	return err
}

// Healthy reports current NATS connectivity.
func (b *NATSBus) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// OnConnectionChange registers a connectivity callback.
func (b *NATSBus) OnConnectionChange(fn func(connected bool)) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

// Close drains outstanding subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	for subject, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("Unsubscribe during close failed")
		}
	}
	b.conn.Close()
	monitoring.BusConnected.Set(0)
	b.logger.Info().Msg("NATS connection closed")
	return nil
}
