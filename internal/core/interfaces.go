package core

import (
	"context"
	"time"
)

// ILogger defines the structured logging interface used across components
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IUpstream issues authenticated calls against the retail platform. It is
// stateless apart from the credential it is handed per call and never retries
// internally; retry cadence belongs to the calling loops.
type IUpstream interface {
	FetchStock(ctx context.Context, cred Credential, code, color string) (map[string]int, error)
	FetchProductDetail(ctx context.Context, cred Credential, code, color string) (*ProductDetail, error)
	AddToCart(ctx context.Context, cred Credential, variantID string) error
	CartReservationTime(ctx context.Context, cred Credential) (*CartTime, error)
}

// IAuthenticator performs the credential-producing exchanges against the
// auth host.
type IAuthenticator interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
	Login(ctx context.Context, identifier, secret string) (*Credential, error)
}

// ISessionManager owns the live credential.
type ISessionManager interface {
	// Current never blocks and returns the latest known-good credential.
	Current() Credential
	// ForceRefresh runs the refresh-then-login chain synchronously.
	ForceRefresh(ctx context.Context) (*Credential, error)
	// ForceLogin skips the refresh grant and runs the interactive exchange.
	ForceLogin(ctx context.Context) (*Credential, error)
}

// ISnapshotStore mirrors engine state to stable storage as opaque snapshots.
// The in-memory state remains the source of truth while the process is alive.
type ISnapshotStore interface {
	Save(ctx context.Context, key string, state interface{}) error
	// Load unmarshals the snapshot under key into out. It returns false with
	// a nil error when no snapshot exists.
	Load(ctx context.Context, key string, out interface{}) (bool, error)
	Close() error
}

// Snapshot keys, one record set per entity.
const (
	SnapshotItems   = "tracked_items"
	SnapshotFillers = "filler_pool"
	SnapshotKeeper  = "reservation_state"
	SnapshotSession = "session_state"
)

// INotifier pushes structured events to the external delivery channels.
type INotifier interface {
	Notify(ctx context.Context, kind EventKind, title, message string, fields map[string]string)
	// NotifyOnce delivers an event only when the suppression latch is clear,
	// then sets the latch.
	NotifyOnce(ctx context.Context, kind EventKind, title, message string, fields map[string]string)
	// CredentialExpired emits a one-shot credential-expired event; repeats are
	// suppressed until ClearCredentialExpired is called.
	CredentialExpired(ctx context.Context, source string)
	ClearCredentialExpired()
	// Suppressed reports whether the credential-expired alert is currently latched.
	Suppressed() bool
}

// IKeeperSignal is the watcher-to-keeper rearm signal. It is a state write,
// not a blocking call into the keeper's loop.
type IKeeperSignal interface {
	NotifyMonitoredInsertion(at time.Time)
}

// Runner is a long-lived component driven by the engine lifecycle.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}
