// Package alert delivers structured notification events to external channels
package alert

import (
	"context"
	"sync"
	"time"

	"cart_sentinel/internal/core"
	"cart_sentinel/pkg/concurrency"
)

// Event is one structured notification pushed to the delivery channels.
type Event struct {
	Kind      core.EventKind    `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Channel is one delivery target for events.
type Channel interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// Manager fans events out to all registered channels. Delivery runs on a
// worker pool so the engine loops never block on a slow webhook. It also owns
// the credential-expired suppression latch shared by the watcher and the
// session manager: the first expiry event is delivered, repeats are swallowed
// until a successful credential update clears the latch.
type Manager struct {
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	mu         sync.RWMutex
	suppressed bool
}

// NewManager creates a new alert manager
func NewManager(pool *concurrency.WorkerPool, logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		pool:     pool,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify dispatches an event to every channel.
func (m *Manager) Notify(ctx context.Context, kind core.EventKind, title, message string, fields map[string]string) {
	ev := Event{
		Kind:      kind,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Dispatching event", "kind", kind, "title", title)

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	// The calling loops cancel their per-tick context as soon as the tick
	// returns, which would race the async send. Delivery gets its own
	// deadline detached from the tick lifetime.
	base := context.WithoutCancel(ctx)
	for _, ch := range channels {
		c := ch
		err := m.pool.Submit(func() {
			sendCtx, cancel := context.WithTimeout(base, 10*time.Second)
			defer cancel()

			if err := c.Send(sendCtx, ev); err != nil {
				m.logger.Error("Failed to send event", "channel", c.Name(), "kind", kind, "error", err)
			}
		})
		if err != nil {
			m.logger.Warn("Alert dispatch dropped, pool full", "channel", c.Name(), "kind", kind)
		}
	}
}

// NotifyOnce delivers an event only when the suppression latch is clear, then
// sets the latch. The latch is shared across all failure kinds so a broken
// credential produces exactly one alert until the session recovers.
func (m *Manager) NotifyOnce(ctx context.Context, kind core.EventKind, title, message string, fields map[string]string) {
	m.mu.Lock()
	if m.suppressed {
		m.mu.Unlock()
		return
	}
	m.suppressed = true
	m.mu.Unlock()

	m.Notify(ctx, kind, title, message, fields)
}

// CredentialExpired emits a one-shot credential-expired event. While the
// latch is set, further calls are no-ops.
func (m *Manager) CredentialExpired(ctx context.Context, source string) {
	m.NotifyOnce(ctx, core.EventCredentialExpired,
		"Credential expired",
		"The access token was rejected upstream; waiting for the session manager to repair it.",
		map[string]string{"source": source})
}

// ClearCredentialExpired resets the latch so a future expiry can re-notify.
func (m *Manager) ClearCredentialExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = false
}

// Suppressed reports whether the credential-expired latch is set.
func (m *Manager) Suppressed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suppressed
}

// SetSuppressed restores the latch from a persisted session snapshot.
func (m *Manager) SetSuppressed(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = v
}
