// Package session owns the upstream credential lifecycle
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	apperrors "cart_sentinel/pkg/errors"
	"cart_sentinel/pkg/telemetry"
)

// Phase labels for the session state machine.
const (
	PhaseValid      = "valid"
	PhaseRefreshing = "refreshing"
	PhaseLoggingIn  = "logging_in"
)

// sessionSnapshot is the persisted slice of session state. The access token
// is deliberately short-lived so only the refresh token and the alert latch
// matter across restarts, but keeping the full credential lets a quick
// restart skip one refresh round.
type sessionSnapshot struct {
	Credential core.Credential `json:"credential"`
	Suppressed bool            `json:"suppressed"`
}

// Manager keeps a single live credential current. A periodic loop runs the
// refresh grant; when the auth host rejects the refresh token the manager
// falls back to the full interactive exchange. Readers get the credential
// through an atomic pointer and are never blocked by an in-flight repair.
type Manager struct {
	auth     core.IAuthenticator
	notifier core.INotifier
	store    core.ISnapshotStore
	logger   core.ILogger
	cfg      config.SessionConfig
	interval time.Duration

	current atomic.Pointer[core.Credential]

	// attemptMu serializes refresh and login attempts so the scheduled tick
	// and a manual trigger never race on the auth host.
	attemptMu sync.Mutex
	phaseMu   sync.RWMutex
	phase     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager seeded with the configured refresh token.
func NewManager(
	auth core.IAuthenticator,
	notifier core.INotifier,
	store core.ISnapshotStore,
	cfg config.SessionConfig,
	logger core.ILogger,
) *Manager {
	m := &Manager{
		auth:     auth,
		notifier: notifier,
		store:    store,
		logger:   logger.WithField("component", "session_manager"),
		cfg:      cfg,
		interval: time.Duration(cfg.RefreshIntervalMinutes) * time.Minute,
		phase:    PhaseValid,
	}
	m.current.Store(&core.Credential{RefreshToken: string(cfg.RefreshToken)})
	return m
}

// Load restores the persisted credential and the alert suppression latch.
// A configured refresh token always wins over a stale snapshot copy of it
// being empty.
func (m *Manager) Load(ctx context.Context) error {
	var snap sessionSnapshot
	found, err := m.store.Load(ctx, core.SnapshotSession, &snap)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if snap.Credential.RefreshToken == "" {
		snap.Credential.RefreshToken = string(m.cfg.RefreshToken)
	}
	m.current.Store(&snap.Credential)
	if snap.Suppressed {
		if am, ok := m.notifier.(interface{ SetSuppressed(bool) }); ok {
			am.SetSuppressed(true)
		}
	}
	m.logger.Info("Restored session state",
		"has_access_token", snap.Credential.AccessToken != "",
		"obtained_at", snap.Credential.ObtainedAt)
	return nil
}

// Start refreshes once immediately, then launches the periodic loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	initCtx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
	if _, err := m.ForceRefresh(initCtx); err != nil {
		m.logger.Warn("Initial credential refresh failed, loops start with the previous credential", "error", err)
	}
	cancel()

	m.wg.Add(1)
	go m.runLoop()

	m.logger.Info("Session manager started", "interval", m.interval)
	return nil
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Session manager stopped")
	return nil
}

func (m *Manager) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
			if _, err := m.ForceRefresh(tickCtx); err != nil {
				m.logger.Error("Scheduled credential refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Current returns the latest known-good credential without blocking.
func (m *Manager) Current() core.Credential {
	return *m.current.Load()
}

// Phase returns the current lifecycle phase label.
func (m *Manager) Phase() string {
	m.phaseMu.RLock()
	defer m.phaseMu.RUnlock()
	return m.phase
}

func (m *Manager) setPhase(p string) {
	m.phaseMu.Lock()
	m.phase = p
	m.phaseMu.Unlock()
}

// ForceRefresh runs the refresh grant and, when the auth host rejects it,
// falls back to the interactive login if credentials are configured. The
// previous credential stays installed on any terminal failure.
func (m *Manager) ForceRefresh(ctx context.Context) (*core.Credential, error) {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	metrics := telemetry.GetGlobalMetrics()

	m.setPhase(PhaseRefreshing)
	cred, err := m.auth.Refresh(ctx, m.current.Load().RefreshToken)
	if err == nil {
		if metrics.RefreshTotal != nil {
			metrics.RefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		}
		m.install(ctx, cred)
		m.notifier.Notify(ctx, core.EventRefreshSucceeded,
			"Session refreshed",
			"The access token was renewed with the refresh grant.",
			map[string]string{"expires_at": cred.ExpiresAt().Format(time.RFC3339)})
		return cred, nil
	}

	if metrics.RefreshTotal != nil {
		metrics.RefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
	}
	m.logger.Warn("Credential refresh failed", "error", err)

	rejected := apperrors.Is(err, apperrors.ErrAuthenticationFailed) ||
		apperrors.Is(err, apperrors.ErrMalformedResponse)
	if rejected && m.cfg.Identifier != "" {
		return m.login(ctx)
	}

	m.setPhase(PhaseValid)
	m.notifier.NotifyOnce(ctx, core.EventRefreshFailed,
		"Session refresh failed",
		"The refresh grant did not produce a new access token; keeping the previous credential.",
		map[string]string{"error": err.Error()})
	return nil, err
}

// ForceLogin skips the refresh grant and runs the interactive exchange.
func (m *Manager) ForceLogin(ctx context.Context) (*core.Credential, error) {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	return m.login(ctx)
}

func (m *Manager) login(ctx context.Context) (*core.Credential, error) {
	metrics := telemetry.GetGlobalMetrics()

	m.setPhase(PhaseLoggingIn)
	cred, err := m.auth.Login(ctx, m.cfg.Identifier, string(m.cfg.Password))
	if err != nil {
		if metrics.LoginTotal != nil {
			metrics.LoginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		}
		m.setPhase(PhaseValid)
		m.logger.Error("Interactive login failed", "error", err)
		m.notifier.NotifyOnce(ctx, core.EventLoginFailed,
			"Login failed",
			"The interactive credential exchange was rejected; keeping the previous credential.",
			map[string]string{"error": err.Error()})
		return nil, err
	}

	if metrics.LoginTotal != nil {
		metrics.LoginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	}
	m.install(ctx, cred)
	m.notifier.Notify(ctx, core.EventLoginSucceeded,
		"Login succeeded",
		"A fresh credential pair was obtained through the interactive exchange.",
		map[string]string{"expires_at": cred.ExpiresAt().Format(time.RFC3339)})
	return cred, nil
}

// install atomically publishes the new credential, clears the alert latch
// and persists the session snapshot.
func (m *Manager) install(ctx context.Context, cred *core.Credential) {
	if cred.RefreshToken == "" {
		cred.RefreshToken = m.current.Load().RefreshToken
	}
	m.current.Store(cred)
	m.setPhase(PhaseValid)
	m.notifier.ClearCredentialExpired()

	snap := sessionSnapshot{Credential: *cred, Suppressed: false}
	if err := m.store.Save(ctx, core.SnapshotSession, snap); err != nil {
		m.logger.Error("Failed to persist session state", "error", err)
	}
	m.logger.Info("Installed new credential", "expires_at", cred.ExpiresAt().Format(time.RFC3339))
}
