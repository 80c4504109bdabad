// Package registry owns the set of tracked items
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cart_sentinel/internal/core"
)

// Registry is the exclusive owner of the TrackedItem map. All mutation goes
// through its methods under one mutex, followed by a snapshot write; readers
// receive deep copies.
type Registry struct {
	store  core.ISnapshotStore
	logger core.ILogger

	mu    sync.RWMutex
	items map[string]*core.TrackedItem
}

// NewRegistry creates an empty registry
func NewRegistry(store core.ISnapshotStore, logger core.ILogger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.WithField("component", "registry"),
		items:  make(map[string]*core.TrackedItem),
	}
}

// Load restores the tracked items from the snapshot store.
func (r *Registry) Load(ctx context.Context) error {
	var items []*core.TrackedItem
	found, err := r.store.Load(ctx, core.SnapshotItems, &items)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*core.TrackedItem, len(items))
	for _, it := range items {
		r.items[it.Key()] = it
	}
	r.logger.Info("Restored tracked items", "count", len(items))
	return nil
}

// persistLocked writes the full item set. Callers hold the write lock. A
// failed write is reported but never rolls back the in-memory change.
func (r *Registry) persistLocked(ctx context.Context) error {
	items := make([]*core.TrackedItem, 0, len(r.items))
	for _, it := range r.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key() < items[j].Key() })
	return r.store.Save(ctx, core.SnapshotItems, items)
}

// Register adds or replaces a tracked item.
func (r *Registry) Register(ctx context.Context, item *core.TrackedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[item.Key()] = item.Clone()
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
	}
	r.logger.Info("Registered tracked item", "key", item.Key(), "title", item.Info.Title)
	return nil
}

// Deregister removes a tracked item. It reports whether the key existed.
func (r *Registry) Deregister(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[key]; !ok {
		return false, nil
	}
	delete(r.items, key)
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
	}
	r.logger.Info("Deregistered tracked item", "key", key)
	return true, nil
}

// UpdateWatched replaces the watched-variant set of an item.
func (r *Registry) UpdateWatched(ctx context.Context, key string, variantIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[key]
	if !ok {
		return fmt.Errorf("tracked item not found: %s", key)
	}

	item.Watched = make(map[string]bool, len(variantIDs))
	for _, id := range variantIDs {
		item.Watched[id] = true
	}
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
	}
	return nil
}

// ResetAdded clears an item's added-to-cart set so future restocks can
// trigger insertions again.
func (r *Registry) ResetAdded(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[key]
	if !ok {
		return fmt.Errorf("tracked item not found: %s", key)
	}

	item.AddedToCart = make(map[string]bool)
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
	}
	r.logger.Info("Reset added-to-cart set", "key", key)
	return nil
}

// RecordPoll stores the latest stock snapshot for an item.
func (r *Registry) RecordPoll(ctx context.Context, key string, stock map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[key]
	if !ok {
		return fmt.Errorf("tracked item not found: %s", key)
	}

	item.Stock = make(map[string]int, len(stock))
	for k, v := range stock {
		item.Stock[k] = v
	}
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
	}
	return nil
}

// MarkAdded records a successful cart insertion for a variant. The snapshot
// write happens before control returns so a crash directly after the upstream
// mutation is the only window that can lose the mark.
func (r *Registry) MarkAdded(ctx context.Context, key, variantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[key]
	if !ok {
		return fmt.Errorf("tracked item not found: %s", key)
	}

	item.AddedToCart[variantID] = true
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("Failed to persist tracked items", "error", err)
		return err
	}
	return nil
}

// Get returns a deep copy of one item.
func (r *Registry) Get(key string) (*core.TrackedItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[key]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// List returns deep copies of all items in key order.
func (r *Registry) List() []*core.TrackedItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*core.TrackedItem, 0, len(r.items))
	for _, it := range r.items {
		items = append(items, it.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key() < items[j].Key() })
	return items
}

// Empty reports whether no items are tracked.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items) == 0
}
