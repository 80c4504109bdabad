// Package mock provides hand-rolled test doubles for the core interfaces
package mock

import (
	"context"
	"sync"
	"time"

	"cart_sentinel/internal/core"
)

// MockUpstream implements core.IUpstream with scripted responses.
type MockUpstream struct {
	mu sync.Mutex

	// StockSequences queues stock snapshots per item key; each FetchStock
	// call consumes one entry, the last entry repeats once drained.
	StockSequences map[string][]map[string]int
	StockErr       error

	Details   map[string]*core.ProductDetail
	DetailErr error

	AddToCartErr   error
	AddedVariants  []string
	addToCartCalls int

	CartTimes   []core.CartTime
	CartTimeErr error
	cartCalls   int
}

// NewMockUpstream creates an upstream double with empty scripts.
func NewMockUpstream() *MockUpstream {
	return &MockUpstream{
		StockSequences: make(map[string][]map[string]int),
		Details:        make(map[string]*core.ProductDetail),
	}
}

func (m *MockUpstream) FetchStock(ctx context.Context, cred core.Credential, code, color string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StockErr != nil {
		return nil, m.StockErr
	}

	key := core.ItemKey(code, color)
	seq := m.StockSequences[key]
	if len(seq) == 0 {
		return map[string]int{}, nil
	}

	snapshot := seq[0]
	if len(seq) > 1 {
		m.StockSequences[key] = seq[1:]
	}

	out := make(map[string]int, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	return out, nil
}

func (m *MockUpstream) FetchProductDetail(ctx context.Context, cred core.Credential, code, color string) (*core.ProductDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DetailErr != nil {
		return nil, m.DetailErr
	}
	if d, ok := m.Details[core.ItemKey(code, color)]; ok {
		return d, nil
	}
	return &core.ProductDetail{
		Info:  core.ProductInfo{Title: "Test Product"},
		Sizes: map[string]core.SizeInfo{},
		Stock: map[string]int{},
	}, nil
}

func (m *MockUpstream) AddToCart(ctx context.Context, cred core.Credential, variantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addToCartCalls++
	if m.AddToCartErr != nil {
		return m.AddToCartErr
	}
	m.AddedVariants = append(m.AddedVariants, variantID)
	return nil
}

func (m *MockUpstream) CartReservationTime(ctx context.Context, cred core.Credential) (*core.CartTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CartTimeErr != nil {
		return nil, m.CartTimeErr
	}
	if len(m.CartTimes) == 0 {
		return &core.CartTime{}, nil
	}

	ct := m.CartTimes[0]
	if len(m.CartTimes) > 1 {
		m.CartTimes = m.CartTimes[1:]
	}
	m.cartCalls++
	return &ct, nil
}

// AddToCartCalls returns how many insertion attempts were made, including
// rejected ones.
func (m *MockUpstream) AddToCartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addToCartCalls
}

// Added returns a copy of the successfully inserted variant IDs.
func (m *MockUpstream) Added() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.AddedVariants))
	copy(out, m.AddedVariants)
	return out
}

// MockAuthenticator implements core.IAuthenticator with injectable outcomes.
type MockAuthenticator struct {
	mu sync.Mutex

	RefreshErr    error
	LoginErr      error
	NextCred      *core.Credential
	RefreshCalls  int
	LoginCalls    int
	LastRefreshTk string
}

func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{
		NextCred: &core.Credential{
			AccessToken:  "mock_access",
			RefreshToken: "mock_refresh",
			ObtainedAt:   time.Now(),
			ExpiresIn:    86400,
		},
	}
}

func (m *MockAuthenticator) Refresh(ctx context.Context, refreshToken string) (*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefreshCalls++
	m.LastRefreshTk = refreshToken
	if m.RefreshErr != nil {
		return nil, m.RefreshErr
	}
	cred := *m.NextCred
	return &cred, nil
}

func (m *MockAuthenticator) Login(ctx context.Context, identifier, secret string) (*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoginCalls++
	if m.LoginErr != nil {
		return nil, m.LoginErr
	}
	cred := *m.NextCred
	return &cred, nil
}

// MockNotifier records events and mimics the suppression latch.
type MockNotifier struct {
	mu         sync.Mutex
	Events     []RecordedEvent
	suppressed bool
}

// RecordedEvent is one captured notification.
type RecordedEvent struct {
	Kind    core.EventKind
	Title   string
	Message string
	Fields  map[string]string
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Notify(ctx context.Context, kind core.EventKind, title, message string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, RecordedEvent{Kind: kind, Title: title, Message: message, Fields: fields})
}

func (m *MockNotifier) NotifyOnce(ctx context.Context, kind core.EventKind, title, message string, fields map[string]string) {
	m.mu.Lock()
	if m.suppressed {
		m.mu.Unlock()
		return
	}
	m.suppressed = true
	m.mu.Unlock()
	m.Notify(ctx, kind, title, message, fields)
}

func (m *MockNotifier) CredentialExpired(ctx context.Context, source string) {
	m.NotifyOnce(ctx, core.EventCredentialExpired, "Credential expired", "", map[string]string{"source": source})
}

func (m *MockNotifier) ClearCredentialExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = false
}

func (m *MockNotifier) Suppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}

// SetSuppressed mirrors the restore hook on the real alert manager.
func (m *MockNotifier) SetSuppressed(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = v
}

// EventsOfKind returns the captured events matching kind.
func (m *MockNotifier) EventsOfKind(kind core.EventKind) []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RecordedEvent
	for _, ev := range m.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// MockSession implements core.ISessionManager with a fixed credential.
type MockSession struct {
	Cred core.Credential
}

func NewMockSession() *MockSession {
	return &MockSession{
		Cred: core.Credential{
			AccessToken:  "mock_access",
			RefreshToken: "mock_refresh",
			ObtainedAt:   time.Now(),
			ExpiresIn:    86400,
		},
	}
}

func (m *MockSession) Current() core.Credential {
	return m.Cred
}

func (m *MockSession) ForceRefresh(ctx context.Context) (*core.Credential, error) {
	cred := m.Cred
	return &cred, nil
}

func (m *MockSession) ForceLogin(ctx context.Context) (*core.Credential, error) {
	cred := m.Cred
	return &cred, nil
}

// MockKeeperSignal records rearm signals from the watcher.
type MockKeeperSignal struct {
	mu      sync.Mutex
	Signals []time.Time
}

func NewMockKeeperSignal() *MockKeeperSignal {
	return &MockKeeperSignal{}
}

func (m *MockKeeperSignal) NotifyMonitoredInsertion(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Signals = append(m.Signals, at)
}

// SignalCount returns the number of recorded rearm signals.
func (m *MockKeeperSignal) SignalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Signals)
}

// NopLogger discards all log output.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (l *NopLogger) Debug(msg string, fields ...interface{}) {}
func (l *NopLogger) Info(msg string, fields ...interface{}) {}
func (l *NopLogger) Warn(msg string, fields ...interface{}) {}
func (l *NopLogger) Error(msg string, fields ...interface{}) {}
func (l *NopLogger) Fatal(msg string, fields ...interface{}) {}
func (l *NopLogger) WithField(key string, value interface{}) core.ILogger { return l }
func (l *NopLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}
