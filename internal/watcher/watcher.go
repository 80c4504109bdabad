// Package watcher polls upstream stock and performs at-most-once cart insertions
package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/registry"
	apperrors "cart_sentinel/pkg/errors"
	"cart_sentinel/pkg/telemetry"
)

// Watcher runs the periodic stock poll. Each cycle walks the tracked items
// sequentially; a restock of a watched variant that is not yet in the
// added-to-cart set triggers exactly one insertion attempt.
type Watcher struct {
	registry *registry.Registry
	upstream core.IUpstream
	session  core.ISessionManager
	keeper   core.IKeeperSignal
	notifier core.INotifier
	logger   core.ILogger

	interval time.Duration
	window   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a stock watcher.
func NewWatcher(
	reg *registry.Registry,
	upstream core.IUpstream,
	session core.ISessionManager,
	keeper core.IKeeperSignal,
	notifier core.INotifier,
	cfg config.WatcherConfig,
	logger core.ILogger,
) *Watcher {
	return &Watcher{
		registry: reg,
		upstream: upstream,
		session:  session,
		keeper:   keeper,
		notifier: notifier,
		logger:   logger.WithField("component", "stock_watcher"),
		interval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		window:   time.Duration(cfg.ReservationWindowMinutes) * time.Minute,
	}
}

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop()
	w.logger.Info("Stock watcher started", "interval", w.interval)
	return nil
}

// Stop terminates the poll loop and waits for the in-flight cycle.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Stock watcher stopped")
	return nil
}

func (w *Watcher) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
			if err := w.RunCycle(cycleCtx); err != nil {
				w.logger.Error("Poll cycle failed", "error", err)
			}
			cancel()
		}
	}
}

// RunCycle executes one poll over all tracked items. A failure on one item is
// logged and never blocks the remaining items.
func (w *Watcher) RunCycle(ctx context.Context) error {
	items := w.registry.List()
	if len(items) == 0 {
		return nil
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.PollCyclesTotal != nil {
		metrics.PollCyclesTotal.Add(ctx, 1)
	}

	var firstErr error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.pollItem(ctx, item); err != nil {
			w.logger.Error("Item poll failed", "key", item.Key(), "error", err)
			if apperrors.Is(err, apperrors.ErrAuthenticationFailed) {
				w.notifier.CredentialExpired(ctx, "stock_watcher")
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pollItem fetches one item's stock and reconciles it against the previous
// snapshot. Variants whose insertion attempt fails keep their previous stock
// count so the restock transition fires again on the next cycle.
func (w *Watcher) pollItem(ctx context.Context, item *core.TrackedItem) error {
	cred := w.session.Current()
	observed, err := w.upstream.FetchStock(ctx, cred, item.Code, item.Color)
	if err != nil {
		return fmt.Errorf("fetch stock for %s: %w", item.Key(), err)
	}

	metrics := telemetry.GetGlobalMetrics()

	variantIDs := make([]string, 0, len(observed))
	for id := range observed {
		variantIDs = append(variantIDs, id)
	}
	sort.Strings(variantIDs)

	record := make(map[string]int, len(observed))
	for _, id := range variantIDs {
		count := observed[id]
		prev := item.Stock[id]
		record[id] = count

		if count != prev && metrics.StockTransitionsTotal != nil {
			metrics.StockTransitionsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("item", item.Key())))
		}

		if prev == 0 && count > 0 && item.Watched[id] && !item.AddedToCart[id] {
			if insertErr := w.insert(ctx, item, id, count); insertErr != nil {
				w.logger.Error("Cart insertion failed",
					"key", item.Key(), "variant", id, "error", insertErr)
				if apperrors.Is(insertErr, apperrors.ErrAuthenticationFailed) {
					w.notifier.CredentialExpired(ctx, "stock_watcher")
				}
				// Keep the old count so the restock transition repeats
				// next cycle while stock stays positive.
				record[id] = prev
			}
		}
	}

	return w.registry.RecordPoll(ctx, item.Key(), record)
}

// insert performs the at-most-once cart insertion for a restocked variant,
// marks it locally before anything else can observe the new stock, signals
// the keeper and emits the operator notification.
func (w *Watcher) insert(ctx context.Context, item *core.TrackedItem, variantID string, count int) error {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.InsertAttemptsTotal != nil {
		metrics.InsertAttemptsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("item", item.Key())))
	}

	cred := w.session.Current()
	if err := w.upstream.AddToCart(ctx, cred, variantID); err != nil {
		return err
	}

	now := time.Now()
	item.AddedToCart[variantID] = true
	if err := w.registry.MarkAdded(ctx, item.Key(), variantID); err != nil {
		w.logger.Error("Insertion succeeded but the snapshot write failed",
			"key", item.Key(), "variant", variantID, "error", err)
	}

	if metrics.InsertSuccessTotal != nil {
		metrics.InsertSuccessTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("item", item.Key())))
	}

	w.keeper.NotifyMonitoredInsertion(now)

	size := variantID
	if s, ok := item.Sizes[variantID]; ok && s.Size != "" {
		size = s.Size
	}
	deadline := now.Add(w.window)

	w.logger.Info("Added restocked variant to cart",
		"key", item.Key(), "variant", variantID, "size", size, "stock", count,
		"checkout_by", deadline.Format(time.RFC3339))

	w.notifier.Notify(ctx, core.EventNewStockInserted,
		"New stock added to cart",
		fmt.Sprintf("%s by %s is back in stock and has been reserved.", item.Info.Title, item.Info.Designer),
		map[string]string{
			"product":     item.Info.Title,
			"designer":    item.Info.Designer,
			"color":       item.Info.Color,
			"size":        size,
			"price":       item.Info.Price,
			"stock":       fmt.Sprintf("%d", count),
			"checkout_by": deadline.Format("15:04:05 MST"),
		})
	return nil
}
