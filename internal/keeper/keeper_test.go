package keeper

import (
	"context"
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

func testConfig() config.KeeperConfig {
	return config.KeeperConfig{
		Enabled:                true,
		TickIntervalSeconds:    60,
		FillerThresholdMinutes: 18,
		SafetyFloorMinutes:     3,
		FillerUsageCap:         5,
	}
}

func newTestKeeper(t *testing.T, cfg config.KeeperConfig) (*Keeper, *mock.MockUpstream, *mock.MockNotifier) {
	t.Helper()

	up := mock.NewMockUpstream()
	notif := mock.NewMockNotifier()
	k := NewKeeper(up, mock.NewMockSession(), notif, store.NewMemoryStore(), cfg, mock.NewNopLogger())
	return k, up, notif
}

func addFillers(t *testing.T, k *Keeper, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, k.AddFiller(context.Background(), core.FillerItem{
			Code: "f-" + id, Color: "000", VariantID: id,
		}))
	}
}

func minutes(m int64) int64 { return m * 60 * 1000 }

func TestRunTick_DisabledOrEmptyPoolIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	disabled, up, _ := newTestKeeper(t, cfg)
	addFillers(t, disabled, "F1")

	require.NoError(t, disabled.RunTick(context.Background()))
	assert.Zero(t, up.AddToCartCalls())

	emptyPool, up2, _ := newTestKeeper(t, testConfig())
	require.NoError(t, emptyPool.RunTick(context.Background()))
	assert.Zero(t, up2.AddToCartCalls())
}

func TestRunTick_ArmsOnActiveReservation(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now())
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(19), MaxMs: minutes(20)}}

	require.NoError(t, k.RunTick(context.Background()))

	assert.Equal(t, core.KeeperArmed, k.State().Phase)
	// Fresh insertion and plenty of time left, nothing to do yet.
	assert.Zero(t, up.AddToCartCalls())
}

func TestRunTick_DisarmsWhenReservationLapses(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now())
	up.CartTimes = []core.CartTime{{RemainingMs: 0}}

	require.NoError(t, k.RunTick(context.Background()))

	assert.Equal(t, core.KeeperIdle, k.State().Phase)
	assert.True(t, k.State().LastMonitoredInsert.IsZero())
	assert.Zero(t, up.AddToCartCalls())
}

func TestRunTick_ElapsedThresholdTriggersFiller(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now().Add(-19 * time.Minute))
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(5), MaxMs: minutes(20)}}

	require.NoError(t, k.RunTick(context.Background()))

	assert.Equal(t, []string{"F1"}, up.Added())
	state := k.State()
	assert.False(t, state.LastFillerInsert.IsZero())
	assert.Equal(t, int64(1), state.FillerInsertions)
}

func TestRunTick_LowRemainingTriggersFiller(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now())
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(2), MaxMs: minutes(20)}}

	require.NoError(t, k.RunTick(context.Background()))

	assert.Equal(t, []string{"F1"}, up.Added())
}

func TestRunTick_NoTriggerInsideBothMargins(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now().Add(-5 * time.Minute))
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(15), MaxMs: minutes(20)}}

	require.NoError(t, k.RunTick(context.Background()))
	assert.Zero(t, up.AddToCartCalls())
}

func TestRunTick_RotationAndCapReset(t *testing.T) {
	cfg := testConfig()
	cfg.FillerUsageCap = 2
	k, up, _ := newTestKeeper(t, cfg)
	addFillers(t, k, "F1", "F2")

	// Remaining time stays under the floor so every tick inserts.
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(2), MaxMs: minutes(20)}}

	for i := 0; i < 4; i++ {
		require.NoError(t, k.RunTick(context.Background()))
	}
	assert.Equal(t, []string{"F1", "F2", "F1", "F2"}, up.Added())

	// Every filler is at the cap now; the next tick resets all counters
	// and keeps rotating.
	require.NoError(t, k.RunTick(context.Background()))
	assert.Equal(t, 5, up.AddToCartCalls())

	fillers := k.Fillers()
	require.Len(t, fillers, 2)
	total := fillers[0].UseCount + fillers[1].UseCount
	assert.Equal(t, 1, total)
}

func TestRunTick_CapResetRestartsFromFirstFiller(t *testing.T) {
	cfg := testConfig()
	cfg.FillerUsageCap = 1
	k, up, _ := newTestKeeper(t, cfg)
	addFillers(t, k, "F1", "F2")

	up.CartTimes = []core.CartTime{{RemainingMs: minutes(2), MaxMs: minutes(20)}}

	// A failed insertion advances the rotation without consuming a cap slot,
	// so exhaustion can be detected at a non-zero rotation position.
	up.AddToCartErr = apperrors.Wrap(apperrors.ErrNetwork, "connection reset")
	assert.Error(t, k.RunTick(context.Background()))
	up.AddToCartErr = nil

	require.NoError(t, k.RunTick(context.Background()))
	require.NoError(t, k.RunTick(context.Background()))
	require.Equal(t, []string{"F2", "F1"}, up.Added())

	// Both fillers are at the cap. The reset zeroes every counter and
	// restarts the rotation from the first pool entry.
	require.NoError(t, k.RunTick(context.Background()))
	assert.Equal(t, []string{"F2", "F1", "F1"}, up.Added())

	require.NoError(t, k.RunTick(context.Background()))
	assert.Equal(t, []string{"F2", "F1", "F1", "F2"}, up.Added())
}

func TestRunTick_DisarmKeepsCumulativeCounter(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now().Add(-19 * time.Minute))
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(2), MaxMs: minutes(20)}}
	require.NoError(t, k.RunTick(context.Background()))
	require.Equal(t, int64(1), k.State().FillerInsertions)

	up.CartTimes = []core.CartTime{{RemainingMs: 0}}
	require.NoError(t, k.RunTick(context.Background()))

	state := k.State()
	assert.Equal(t, core.KeeperIdle, state.Phase)
	assert.True(t, state.LastMonitoredInsert.IsZero())
	assert.True(t, state.LastFillerInsert.IsZero())
	assert.Equal(t, int64(1), state.FillerInsertions)
}

func TestRunTick_MonitoredInsertionResetsFillerTimer(t *testing.T) {
	k, up, _ := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	k.NotifyMonitoredInsertion(time.Now().Add(-19 * time.Minute))
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(5), MaxMs: minutes(20)}}
	require.NoError(t, k.RunTick(context.Background()))
	require.Equal(t, 1, up.AddToCartCalls())

	// A monitored insertion arrives; the filler timer restarts from it.
	k.NotifyMonitoredInsertion(time.Now())
	assert.True(t, k.State().LastFillerInsert.IsZero())

	up.CartTimes = []core.CartTime{{RemainingMs: minutes(19), MaxMs: minutes(20)}}
	require.NoError(t, k.RunTick(context.Background()))
	assert.Equal(t, 1, up.AddToCartCalls())
}

func TestRunTick_AuthErrorLatchesCredentialAlert(t *testing.T) {
	k, up, notif := newTestKeeper(t, testConfig())
	addFillers(t, k, "F1")

	up.CartTimeErr = apperrors.Wrap(apperrors.ErrAuthenticationFailed, "status 401")

	assert.Error(t, k.RunTick(context.Background()))
	assert.True(t, notif.Suppressed())
	assert.Len(t, notif.EventsOfKind(core.EventCredentialExpired), 1)
}

func TestKeeper_FillerPoolManagement(t *testing.T) {
	k, _, _ := newTestKeeper(t, testConfig())
	ctx := context.Background()

	addFillers(t, k, "F1", "F2")
	require.Len(t, k.Fillers(), 2)

	// Re-adding an existing variant must not duplicate it.
	require.NoError(t, k.AddFiller(ctx, core.FillerItem{VariantID: "F1"}))
	require.Len(t, k.Fillers(), 2)

	existed, err := k.RemoveFiller(ctx, "F1")
	require.NoError(t, err)
	assert.True(t, existed)
	require.Len(t, k.Fillers(), 1)

	existed, err = k.RemoveFiller(ctx, "F1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestKeeper_PersistAndRestore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	up := mock.NewMockUpstream()
	k := NewKeeper(up, mock.NewMockSession(), mock.NewMockNotifier(), st, testConfig(), mock.NewNopLogger())
	addFillers(t, k, "F1", "F2")

	k.NotifyMonitoredInsertion(time.Now().Add(-19 * time.Minute))
	up.CartTimes = []core.CartTime{{RemainingMs: minutes(2), MaxMs: minutes(20)}}
	require.NoError(t, k.RunTick(ctx))

	restored := NewKeeper(mock.NewMockUpstream(), mock.NewMockSession(), mock.NewMockNotifier(), st, testConfig(), mock.NewNopLogger())
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, core.KeeperArmed, restored.State().Phase)
	assert.Equal(t, int64(1), restored.State().FillerInsertions)
	require.Len(t, restored.Fillers(), 2)
	assert.Equal(t, 1, restored.Fillers()[0].UseCount)
}
