package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/mock"
	"cart_sentinel/internal/store"
	apperrors "cart_sentinel/pkg/errors"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		RefreshIntervalMinutes: 120,
		RefreshToken:           "seed_refresh",
		Identifier:             "operator@example.test",
		Password:               "secret",
	}
}

func newTestManager(t *testing.T) (*Manager, *mock.MockAuthenticator, *mock.MockNotifier, core.ISnapshotStore) {
	t.Helper()

	auth := mock.NewMockAuthenticator()
	notif := mock.NewMockNotifier()
	st := store.NewMemoryStore()
	m := NewManager(auth, notif, st, testSessionConfig(), mock.NewNopLogger())
	return m, auth, notif, st
}

func TestForceRefresh_InstallsCredential(t *testing.T) {
	m, auth, notif, _ := newTestManager(t)

	cred, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock_access", cred.AccessToken)
	assert.Equal(t, "seed_refresh", auth.LastRefreshTk)
	assert.Equal(t, "mock_access", m.Current().AccessToken)
	assert.Equal(t, PhaseValid, m.Phase())
	assert.Len(t, notif.EventsOfKind(core.EventRefreshSucceeded), 1)
}

func TestForceRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	m, auth, _, _ := newTestManager(t)
	auth.NextCred = &core.Credential{
		AccessToken: "fresh_access",
		ObtainedAt:  time.Now(),
		ExpiresIn:   3600,
	}

	_, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "seed_refresh", m.Current().RefreshToken)
}

func TestForceRefresh_FallsBackToLoginOnRejection(t *testing.T) {
	m, auth, notif, _ := newTestManager(t)
	auth.RefreshErr = apperrors.Wrap(apperrors.ErrAuthenticationFailed, "invalid_grant")

	// A credential-expired alert from a loop is already pending.
	notif.SetSuppressed(true)

	cred, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock_access", cred.AccessToken)
	assert.Equal(t, 1, auth.RefreshCalls)
	assert.Equal(t, 1, auth.LoginCalls)
	assert.Len(t, notif.EventsOfKind(core.EventLoginSucceeded), 1)

	// A successful repair clears the pending alert latch.
	assert.False(t, notif.Suppressed())
}

func TestForceRefresh_NetworkErrorKeepsOldCredential(t *testing.T) {
	m, auth, notif, _ := newTestManager(t)

	_, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)

	auth.RefreshErr = apperrors.Wrap(apperrors.ErrNetwork, "connection refused")
	_, err = m.ForceRefresh(context.Background())
	require.Error(t, err)

	// No login fallback for transient failures, previous credential stays.
	assert.Equal(t, 0, auth.LoginCalls)
	assert.Equal(t, "mock_access", m.Current().AccessToken)
	assert.Len(t, notif.EventsOfKind(core.EventRefreshFailed), 1)

	// Repeated failures stay latched.
	_, err = m.ForceRefresh(context.Background())
	require.Error(t, err)
	assert.Len(t, notif.EventsOfKind(core.EventRefreshFailed), 1)
}

func TestForceRefresh_LoginFailureNotifiesOnce(t *testing.T) {
	m, auth, notif, _ := newTestManager(t)
	auth.RefreshErr = apperrors.Wrap(apperrors.ErrAuthenticationFailed, "invalid_grant")
	auth.LoginErr = apperrors.Wrap(apperrors.ErrInvalidCredentials, "login rejected")

	_, err := m.ForceRefresh(context.Background())
	require.Error(t, err)
	_, err = m.ForceRefresh(context.Background())
	require.Error(t, err)

	assert.Len(t, notif.EventsOfKind(core.EventLoginFailed), 1)
	assert.True(t, notif.Suppressed())
	assert.Equal(t, "", m.Current().AccessToken)
}

func TestForceLogin_SkipsRefreshGrant(t *testing.T) {
	m, auth, _, _ := newTestManager(t)

	cred, err := m.ForceLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock_access", cred.AccessToken)
	assert.Equal(t, 0, auth.RefreshCalls)
	assert.Equal(t, 1, auth.LoginCalls)
}

func TestManager_PersistAndRestore(t *testing.T) {
	m, _, _, st := newTestManager(t)

	_, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)

	restored := NewManager(mock.NewMockAuthenticator(), mock.NewMockNotifier(), st,
		testSessionConfig(), mock.NewNopLogger())
	require.NoError(t, restored.Load(context.Background()))

	assert.Equal(t, "mock_access", restored.Current().AccessToken)
	assert.Equal(t, "mock_refresh", restored.Current().RefreshToken)
}

func TestManager_RestoreRestoresSuppressionLatch(t *testing.T) {
	st := store.NewMemoryStore()
	snap := sessionSnapshot{
		Credential: core.Credential{AccessToken: "a", RefreshToken: "r"},
		Suppressed: true,
	}
	require.NoError(t, st.Save(context.Background(), core.SnapshotSession, snap))

	notif := mock.NewMockNotifier()
	m := NewManager(mock.NewMockAuthenticator(), notif, st, testSessionConfig(), mock.NewNopLogger())
	require.NoError(t, m.Load(context.Background()))

	assert.True(t, notif.Suppressed())
	assert.Equal(t, "a", m.Current().AccessToken)
}

func TestManager_CurrentIsAtomicUnderConcurrentInstall(t *testing.T) {
	m, auth, _, _ := newTestManager(t)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cred := m.Current()
				if cred.AccessToken == "" {
					continue
				}
				// Tokens are installed in matched pairs; a reader must
				// never see halves of two different installs.
				want := "rt_" + strings.TrimPrefix(cred.AccessToken, "at_")
				if cred.RefreshToken != want {
					t.Errorf("Torn credential: access=%s refresh=%s", cred.AccessToken, cred.RefreshToken)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		auth.NextCred = &core.Credential{
			AccessToken:  fmt.Sprintf("at_%d", i),
			RefreshToken: fmt.Sprintf("rt_%d", i),
			ObtainedAt:   time.Now(),
			ExpiresIn:    3600,
		}
		var err error
		if i%2 == 0 {
			_, err = m.ForceRefresh(context.Background())
		} else {
			_, err = m.ForceLogin(context.Background())
		}
		require.NoError(t, err)
	}

	close(stop)
	readers.Wait()
}
