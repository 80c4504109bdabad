// Package keeper extends the cart reservation window with filler insertions
package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	apperrors "cart_sentinel/pkg/errors"
	"cart_sentinel/pkg/telemetry"
)

// Keeper keeps an active cart reservation alive. While armed it watches the
// upstream countdown and, when the window is about to lapse, inserts one item
// from a rotating pool of cheap filler articles, which resets the countdown.
// It never touches the monitored items themselves.
type Keeper struct {
	upstream core.IUpstream
	session  core.ISessionManager
	notifier core.INotifier
	store    core.ISnapshotStore
	logger   core.ILogger

	interval  time.Duration
	threshold time.Duration
	floor     time.Duration
	usageCap  int

	mu      sync.Mutex
	enabled bool
	fillers []*core.FillerItem
	state   core.ReservationState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKeeper creates a reservation keeper.
func NewKeeper(
	upstream core.IUpstream,
	session core.ISessionManager,
	notifier core.INotifier,
	store core.ISnapshotStore,
	cfg config.KeeperConfig,
	logger core.ILogger,
) *Keeper {
	return &Keeper{
		upstream:  upstream,
		session:   session,
		notifier:  notifier,
		store:     store,
		logger:    logger.WithField("component", "reservation_keeper"),
		interval:  time.Duration(cfg.TickIntervalSeconds) * time.Second,
		threshold: time.Duration(cfg.FillerThresholdMinutes) * time.Minute,
		floor:     time.Duration(cfg.SafetyFloorMinutes) * time.Minute,
		usageCap:  cfg.FillerUsageCap,
		enabled:   cfg.Enabled,
		fillers:   make([]*core.FillerItem, 0),
		state:     core.ReservationState{Phase: core.KeeperIdle},
	}
}

// Load restores the filler pool and the reservation state from snapshots.
func (k *Keeper) Load(ctx context.Context) error {
	var fillers []*core.FillerItem
	found, err := k.store.Load(ctx, core.SnapshotFillers, &fillers)
	if err != nil {
		return err
	}

	var state core.ReservationState
	stateFound, err := k.store.Load(ctx, core.SnapshotKeeper, &state)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if found {
		k.fillers = fillers
	}
	if stateFound {
		if state.Phase == "" {
			state.Phase = core.KeeperIdle
		}
		k.state = state
	}
	k.logger.Info("Restored keeper state",
		"fillers", len(k.fillers), "phase", k.state.Phase)
	return nil
}

// Start launches the keeper tick loop.
func (k *Keeper) Start(ctx context.Context) error {
	k.ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go k.runLoop()
	k.logger.Info("Reservation keeper started",
		"interval", k.interval, "threshold", k.threshold, "floor", k.floor)
	return nil
}

// Stop terminates the tick loop.
func (k *Keeper) Stop() error {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.logger.Info("Reservation keeper stopped")
	return nil
}

func (k *Keeper) runLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(k.ctx, 30*time.Second)
			if err := k.RunTick(tickCtx); err != nil {
				k.logger.Error("Keeper tick failed", "error", err)
			}
			cancel()
		}
	}
}

// RunTick executes one keeper evaluation. It is a no-op while disabled or
// while the filler pool is empty.
func (k *Keeper) RunTick(ctx context.Context) error {
	k.mu.Lock()
	enabled := k.enabled
	poolSize := len(k.fillers)
	k.mu.Unlock()

	if !enabled || poolSize == 0 {
		return nil
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.KeeperTicksTotal != nil {
		metrics.KeeperTicksTotal.Add(ctx, 1)
	}

	cred := k.session.Current()
	ct, err := k.upstream.CartReservationTime(ctx, cred)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrAuthenticationFailed) {
			k.notifier.CredentialExpired(ctx, "reservation_keeper")
		}
		return fmt.Errorf("query reservation time: %w", err)
	}

	now := time.Now()

	k.mu.Lock()
	if ct.RemainingMs <= 0 {
		if k.state.Phase == core.KeeperArmed {
			// Disarming clears the insertion timestamps only; the
			// cumulative filler counter and rotation position survive.
			k.state.Phase = core.KeeperIdle
			k.state.LastMonitoredInsert = time.Time{}
			k.state.LastFillerInsert = time.Time{}
			k.persistStateLocked(ctx)
			k.logger.Info("Reservation lapsed, keeper disarmed")
		}
		k.mu.Unlock()
		return nil
	}

	if k.state.Phase != core.KeeperArmed {
		k.state.Phase = core.KeeperArmed
		k.persistStateLocked(ctx)
		k.logger.Info("Active reservation detected, keeper armed",
			"remaining", ct.Remaining())
	}

	last := k.state.LastMonitoredInsert
	if k.state.LastFillerInsert.After(last) {
		last = k.state.LastFillerInsert
	}

	// With no recorded insertion the elapsed side of the trigger is treated
	// as already exceeded; the reservation exists, so something was inserted
	// outside our accounting.
	elapsedExceeded := last.IsZero() || now.Sub(last) >= k.threshold
	remainingLow := ct.Remaining() < k.floor

	if !elapsedExceeded && !remainingLow {
		k.mu.Unlock()
		return nil
	}

	filler := k.selectFillerLocked()
	k.mu.Unlock()

	if filler == nil {
		return nil
	}

	k.logger.Info("Inserting filler to extend reservation",
		"variant", filler.VariantID, "remaining", ct.Remaining(),
		"elapsed_exceeded", elapsedExceeded, "remaining_low", remainingLow)

	if err := k.upstream.AddToCart(ctx, cred, filler.VariantID); err != nil {
		if apperrors.Is(err, apperrors.ErrAuthenticationFailed) {
			k.notifier.CredentialExpired(ctx, "reservation_keeper")
		}
		return fmt.Errorf("insert filler %s: %w", filler.VariantID, err)
	}

	k.mu.Lock()
	for _, f := range k.fillers {
		if f.VariantID == filler.VariantID {
			f.UseCount++
			break
		}
	}
	k.state.LastFillerInsert = now
	k.state.FillerInsertions++
	k.persistLocked(ctx)
	total := k.state.FillerInsertions
	k.mu.Unlock()

	if metrics.FillerInsertsTotal != nil {
		metrics.FillerInsertsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("variant", filler.VariantID)))
	}

	k.notifier.Notify(ctx, core.EventFillerInserted,
		"Reservation extended",
		fmt.Sprintf("Filler %s was added to the cart to reset the reservation countdown.", filler.VariantID),
		map[string]string{
			"variant":       filler.VariantID,
			"total_fillers": fmt.Sprintf("%d", total),
		})
	return nil
}

// selectFillerLocked picks the next filler in round-robin order, skipping
// entries at the usage cap. When every entry is capped, all counters reset
// and the rotation starts over. Callers hold the mutex.
func (k *Keeper) selectFillerLocked() *core.FillerItem {
	n := len(k.fillers)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (k.state.RotationIndex + i) % n
		f := k.fillers[idx]
		if f.UseCount < k.usageCap {
			k.state.RotationIndex = (idx + 1) % n
			return &core.FillerItem{Code: f.Code, Color: f.Color, VariantID: f.VariantID, UseCount: f.UseCount}
		}
	}

	// Exhaustion restarts the rotation from the first entry, not from
	// wherever the index happened to rest.
	k.logger.Info("All fillers at usage cap, resetting counters")
	for _, f := range k.fillers {
		f.UseCount = 0
	}
	f := k.fillers[0]
	k.state.RotationIndex = 1 % n
	return &core.FillerItem{Code: f.Code, Color: f.Color, VariantID: f.VariantID}
}

// NotifyMonitoredInsertion arms the keeper after the watcher placed a
// monitored item in the cart. The filler timer restarts from this instant.
func (k *Keeper) NotifyMonitoredInsertion(at time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.state.Phase = core.KeeperArmed
	k.state.LastMonitoredInsert = at
	k.state.LastFillerInsert = time.Time{}
	k.persistStateLocked(context.Background())
	k.logger.Info("Keeper armed by monitored insertion", "at", at.Format(time.RFC3339))
}

// Enable turns the keeper logic on.
func (k *Keeper) Enable() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = true
	k.logger.Info("Keeper enabled")
}

// Disable turns the keeper logic off without clearing its state.
func (k *Keeper) Disable() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = false
	k.logger.Info("Keeper disabled")
}

// Enabled reports whether the keeper logic is active.
func (k *Keeper) Enabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled
}

// AddFiller adds or replaces a filler pool entry.
func (k *Keeper) AddFiller(ctx context.Context, filler core.FillerItem) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, f := range k.fillers {
		if f.VariantID == filler.VariantID {
			f.Code = filler.Code
			f.Color = filler.Color
			k.persistLocked(ctx)
			return nil
		}
	}
	cp := filler
	cp.UseCount = 0
	k.fillers = append(k.fillers, &cp)
	k.persistLocked(ctx)
	k.logger.Info("Added filler", "variant", filler.VariantID, "pool_size", len(k.fillers))
	return nil
}

// RemoveFiller removes a pool entry by variant ID.
func (k *Keeper) RemoveFiller(ctx context.Context, variantID string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, f := range k.fillers {
		if f.VariantID == variantID {
			k.fillers = append(k.fillers[:i], k.fillers[i+1:]...)
			if len(k.fillers) > 0 {
				k.state.RotationIndex = k.state.RotationIndex % len(k.fillers)
			} else {
				k.state.RotationIndex = 0
			}
			k.persistLocked(ctx)
			k.logger.Info("Removed filler", "variant", variantID, "pool_size", len(k.fillers))
			return true, nil
		}
	}
	return false, nil
}

// ResetFillerCounters zeroes every filler's usage counter.
func (k *Keeper) ResetFillerCounters(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, f := range k.fillers {
		f.UseCount = 0
	}
	k.persistLocked(ctx)
	k.logger.Info("Reset filler usage counters")
}

// Fillers returns a copy of the filler pool.
func (k *Keeper) Fillers() []core.FillerItem {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]core.FillerItem, 0, len(k.fillers))
	for _, f := range k.fillers {
		out = append(out, *f)
	}
	return out
}

// State returns a copy of the reservation state.
func (k *Keeper) State() core.ReservationState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Keeper) persistLocked(ctx context.Context) {
	fillers := make([]*core.FillerItem, len(k.fillers))
	copy(fillers, k.fillers)
	if err := k.store.Save(ctx, core.SnapshotFillers, fillers); err != nil {
		k.logger.Error("Failed to persist filler pool", "error", err)
	}
	k.persistStateLocked(ctx)
}

func (k *Keeper) persistStateLocked(ctx context.Context) {
	if err := k.store.Save(ctx, core.SnapshotKeeper, k.state); err != nil {
		k.logger.Error("Failed to persist reservation state", "error", err)
	}
}
