// Package engine wires the session, watcher and keeper loops together
package engine

import (
	"context"
	"fmt"
	"time"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/infrastructure/health"
	"cart_sentinel/internal/keeper"
	"cart_sentinel/internal/registry"
	"cart_sentinel/internal/session"
	"cart_sentinel/internal/watcher"
)

// Engine owns the three long-running loops and is the single entry point for
// operator commands. All tracked-item and filler mutations flow through it.
type Engine struct {
	cfg      *config.Config
	logger   core.ILogger
	store    core.ISnapshotStore
	upstream core.IUpstream
	notifier core.INotifier

	registry *registry.Registry
	session  *session.Manager
	watcher  *watcher.Watcher
	keeper   *keeper.Keeper
	health   *health.HealthManager

	started time.Time
}

// New assembles an engine from its already-constructed components.
func New(
	cfg *config.Config,
	store core.ISnapshotStore,
	upstream core.IUpstream,
	notifier core.INotifier,
	reg *registry.Registry,
	sess *session.Manager,
	w *watcher.Watcher,
	k *keeper.Keeper,
	hm *health.HealthManager,
	logger core.ILogger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		upstream: upstream,
		notifier: notifier,
		registry: reg,
		session:  sess,
		watcher:  w,
		keeper:   k,
		health:   hm,
		logger:   logger.WithField("component", "engine"),
	}
}

// Start restores persisted state and launches the loops. The session manager
// starts first so the watcher and keeper never run against an empty
// credential when a refresh token is available.
func (e *Engine) Start(ctx context.Context) error {
	e.started = time.Now()

	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("restore tracked items: %w", err)
	}
	if err := e.keeper.Load(ctx); err != nil {
		return fmt.Errorf("restore keeper state: %w", err)
	}
	if err := e.session.Load(ctx); err != nil {
		return fmt.Errorf("restore session state: %w", err)
	}

	e.registerHealthChecks()

	if err := e.session.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	if err := e.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start stock watcher: %w", err)
	}
	if err := e.keeper.Start(ctx); err != nil {
		return fmt.Errorf("start reservation keeper: %w", err)
	}

	e.logger.Info("Engine started", "tracked_items", len(e.registry.List()))
	return nil
}

// Stop shuts the loops down in reverse start order.
func (e *Engine) Stop() error {
	if err := e.keeper.Stop(); err != nil {
		e.logger.Error("Failed to stop reservation keeper", "error", err)
	}
	if err := e.watcher.Stop(); err != nil {
		e.logger.Error("Failed to stop stock watcher", "error", err)
	}
	if err := e.session.Stop(); err != nil {
		e.logger.Error("Failed to stop session manager", "error", err)
	}
	e.logger.Info("Engine stopped")
	return nil
}

func (e *Engine) registerHealthChecks() {
	e.health.Register("session", func() error {
		cred := e.session.Current()
		if cred.AccessToken == "" {
			return fmt.Errorf("no access token")
		}
		if time.Now().After(cred.ExpiresAt()) {
			return fmt.Errorf("access token expired at %s", cred.ExpiresAt().Format(time.RFC3339))
		}
		return nil
	})
	e.health.Register("store", func() error {
		var probe struct{}
		_, err := e.store.Load(context.Background(), core.SnapshotKeeper, &probe)
		return err
	})
}

// TrackItem hydrates product metadata from upstream and registers the pair
// for monitoring. The observed stock becomes the baseline, so variants that
// are already in stock at registration do not count as restocks.
func (e *Engine) TrackItem(ctx context.Context, code, color string, watched []string) (*core.TrackedItem, error) {
	cred := e.session.Current()
	detail, err := e.upstream.FetchProductDetail(ctx, cred, code, color)
	if err != nil {
		return nil, fmt.Errorf("hydrate product %s: %w", core.ItemKey(code, color), err)
	}

	item := &core.TrackedItem{
		Code:        code,
		Color:       color,
		Info:        detail.Info,
		Sizes:       detail.Sizes,
		Stock:       detail.Stock,
		Watched:     make(map[string]bool, len(watched)),
		AddedToCart: make(map[string]bool),
	}
	for _, id := range watched {
		item.Watched[id] = true
	}

	if err := e.registry.Register(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// UntrackItem removes a tracked pair. It reports whether the pair existed.
func (e *Engine) UntrackItem(ctx context.Context, code, color string) (bool, error) {
	return e.registry.Deregister(ctx, core.ItemKey(code, color))
}

// UpdateWatched replaces the watched-variant set of a tracked pair.
func (e *Engine) UpdateWatched(ctx context.Context, code, color string, variantIDs []string) error {
	return e.registry.UpdateWatched(ctx, core.ItemKey(code, color), variantIDs)
}

// ResetAdded clears the added-to-cart set of a tracked pair.
func (e *Engine) ResetAdded(ctx context.Context, code, color string) error {
	return e.registry.ResetAdded(ctx, core.ItemKey(code, color))
}

// Items returns snapshots of all tracked items.
func (e *Engine) Items() []*core.TrackedItem {
	return e.registry.List()
}

// Item returns a snapshot of one tracked item.
func (e *Engine) Item(code, color string) (*core.TrackedItem, bool) {
	return e.registry.Get(core.ItemKey(code, color))
}

// PreviewProduct fetches product metadata without registering anything.
func (e *Engine) PreviewProduct(ctx context.Context, code, color string) (*core.ProductDetail, error) {
	return e.upstream.FetchProductDetail(ctx, e.session.Current(), code, color)
}

// Keeper exposes the reservation keeper for operator commands.
func (e *Engine) Keeper() *keeper.Keeper {
	return e.keeper
}

// Session exposes the session manager for operator commands.
func (e *Engine) Session() *session.Manager {
	return e.session
}

// Health exposes the aggregated component health.
func (e *Engine) Health() *health.HealthManager {
	return e.health
}

// Status is the operator-facing runtime summary.
type Status struct {
	Uptime         string                `json:"uptime"`
	TrackedItems   int                   `json:"tracked_items"`
	SessionPhase   string                `json:"session_phase"`
	TokenExpiresAt time.Time             `json:"token_expires_at"`
	AlertSuppress  bool                  `json:"alert_suppressed"`
	KeeperEnabled  bool                  `json:"keeper_enabled"`
	Reservation    core.ReservationState `json:"reservation"`
	Fillers        []core.FillerItem     `json:"fillers"`
	Components     map[string]string     `json:"components"`
}

// Status builds the runtime summary served by the control API.
func (e *Engine) Status() Status {
	cred := e.session.Current()
	return Status{
		Uptime:         time.Since(e.started).Round(time.Second).String(),
		TrackedItems:   len(e.registry.List()),
		SessionPhase:   e.session.Phase(),
		TokenExpiresAt: cred.ExpiresAt(),
		AlertSuppress:  e.notifier.Suppressed(),
		KeeperEnabled:  e.keeper.Enabled(),
		Reservation:    e.keeper.State(),
		Fillers:        e.keeper.Fillers(),
		Components:     e.health.GetStatus(),
	}
}
