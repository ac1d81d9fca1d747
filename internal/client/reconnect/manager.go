// Package reconnect supervises a coordinator's event-plane connection: it dials, resyncs
// from the control plane, and redials with exponential backoff when the channel drops.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/client/coordinator"
	"study-game-service/internal/domain"
)

// Dialer opens a new event-plane channel.
type Dialer func(ctx context.Context) (coordinator.Channel, error)

// SessionReader fetches the authoritative session after a (re)connect.
type SessionReader interface {
	GetSession(ctx context.Context, groupID, sessionID string) (domain.Session, error)
}

// Target receives fresh channels and status changes. *coordinator.Coordinator satisfies it.
type Target interface {
	Attach(ch coordinator.Channel, snap domain.Session)
	SetConnection(status coordinator.Connection, err error)
}

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 8 * time.Second
)

type Manager struct {
	dial      Dialer
	reader    SessionReader
	target    Target
	groupID   string
	sessionID string

	clock       clockwork.Clock
	maxAttempts int
	initial     time.Duration
	ceiling     time.Duration

	retry  chan struct{}
	status atomic.Value
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMaxAttempts bounds consecutive failed attempts before the status turns failed.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackOff sets the first wait and the cap; each wait doubles the previous one.
func WithBackOff(initial, ceiling time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initial = initial
		}
		if ceiling >= m.initial {
			m.ceiling = ceiling
		}
	}
}

func New(dial Dialer, reader SessionReader, target Target, groupID, sessionID string, opts ...Option) *Manager {
	m := &Manager{
		dial:        dial,
		reader:      reader,
		target:      target,
		groupID:     groupID,
		sessionID:   sessionID,
		clock:       clockwork.NewRealClock(),
		maxAttempts: DefaultMaxAttempts,
		initial:     DefaultInitialInterval,
		ceiling:     DefaultMaxInterval,
		retry:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status.Store(coordinator.ConnDisconnected)
	return m
}

// Status is the last status reported to the target.
func (m *Manager) Status() coordinator.Connection {
	return m.status.Load().(coordinator.Connection)
}

// Retry asks a failed manager for another round of attempts. It is a no-op otherwise.
func (m *Manager) Retry() {
	select {
	case m.retry <- struct{}{}:
	default:
	}
}

// Run connects and keeps the channel alive until ctx is cancelled or the channel is
// closed locally (for example after leaving), in which case it returns nil.
func (m *Manager) Run(ctx context.Context) error {
	immediate := true
	for {
		ch, err := m.connect(ctx, immediate)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("session_id", m.sessionID).Msg("event channel failed")
			m.report(coordinator.ConnFailed, err)
			select {
			case <-m.retry:
				m.report(coordinator.ConnReconnecting, nil)
				immediate = true
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ch.Done():
			cause := ch.Err()
			if cause == nil {
				log.Debug().Str("session_id", m.sessionID).Msg("event channel closed locally")
				return nil
			}
			log.Info().Err(cause).Str("session_id", m.sessionID).Msg("event channel lost")
			m.report(coordinator.ConnReconnecting, cause)
			immediate = false
		case <-ctx.Done():
			_ = ch.Close()
			return ctx.Err()
		}
	}
}

// connect makes up to maxAttempts attempts. Waits follow the backoff schedule; the first
// attempt is immediate only when requested.
func (m *Manager) connect(ctx context.Context, immediate bool) (coordinator.Channel, error) {
	b := m.backOff()
	var last error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if !immediate || attempt > 1 {
			wait := b.NextBackOff()
			log.Debug().Str("session_id", m.sessionID).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect scheduled")
			select {
			case <-m.clock.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch, err := m.attempt(ctx)
		if err == nil {
			log.Info().Str("session_id", m.sessionID).Int("attempt", attempt).Msg("event channel connected")
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if terminal(err) {
			return nil, err
		}
		last = err
		log.Debug().Err(err).Str("session_id", m.sessionID).Int("attempt", attempt).Msg("connect attempt failed")
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", m.maxAttempts, last)
}

// attempt dials and resyncs. The control-plane read happens after the dial so nothing
// delivered on the new channel predates it. Status reads connected before the target
// sees the channel.
func (m *Manager) attempt(ctx context.Context) (coordinator.Channel, error) {
	ch, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := m.reader.GetSession(ctx, m.groupID, m.sessionID)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	m.status.Store(coordinator.ConnConnected)
	m.target.Attach(ch, snap)
	return ch, nil
}

func (m *Manager) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initial
	b.MaxInterval = m.ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = m.clock
	b.Reset()
	return b
}

func (m *Manager) report(status coordinator.Connection, err error) {
	m.status.Store(status)
	m.target.SetConnection(status, err)
}

// terminal errors mean the session is gone for this user; retrying cannot help.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrClosed) ||
		errors.Is(err, domain.ErrForbidden)
}
