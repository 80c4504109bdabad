package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/core"
	"cart_sentinel/internal/mock"
	"cart_sentinel/pkg/concurrency"
)

type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []Event
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *recordingChannel) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *recordingChannel) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.events(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *recordingChannel) {
	t.Helper()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "TestAlertPool",
		MaxWorkers:  2,
		MaxCapacity: 32,
		NonBlocking: true,
	}, mock.NewNopLogger())
	t.Cleanup(pool.Stop)

	m := NewManager(pool, mock.NewNopLogger())
	ch := &recordingChannel{name: "recorder"}
	m.AddChannel(ch)
	return m, ch
}

func TestManager_NotifyFansOut(t *testing.T) {
	m, ch := newTestManager(t)

	m.Notify(context.Background(), core.EventNewStockInserted, "Title", "Message",
		map[string]string{"size": "M"})

	evs := ch.waitFor(t, 1)
	assert.Equal(t, core.EventNewStockInserted, evs[0].Kind)
	assert.Equal(t, "Title", evs[0].Title)
	assert.Equal(t, "M", evs[0].Fields["size"])
}

type contextCheckingChannel struct {
	result chan error
}

func (c *contextCheckingChannel) Name() string { return "context_checker" }

func (c *contextCheckingChannel) Send(ctx context.Context, ev Event) error {
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	c.result <- err
	return err
}

func TestManager_DeliveryOutlivesCallerContext(t *testing.T) {
	m, _ := newTestManager(t)
	ch := &contextCheckingChannel{result: make(chan error, 1)}
	m.AddChannel(ch)

	// The loops hand Notify their per-tick context and cancel it as soon as
	// the tick returns. The async send must not inherit that cancellation.
	tickCtx, cancel := context.WithCancel(context.Background())
	m.Notify(tickCtx, core.EventNewStockInserted, "Title", "Message", nil)
	cancel()

	select {
	case err := <-ch.result:
		require.NoError(t, err, "send saw a cancelled context")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestManager_CredentialExpiredLatch(t *testing.T) {
	m, ch := newTestManager(t)
	ctx := context.Background()

	m.CredentialExpired(ctx, "stock_watcher")
	m.CredentialExpired(ctx, "reservation_keeper")

	evs := ch.waitFor(t, 1)
	require.Len(t, evs, 1)
	assert.Equal(t, "stock_watcher", evs[0].Fields["source"])
	assert.True(t, m.Suppressed())

	m.ClearCredentialExpired()
	assert.False(t, m.Suppressed())

	m.CredentialExpired(ctx, "stock_watcher")
	ch.waitFor(t, 2)
}

func TestManager_NotifyOnceSharesLatch(t *testing.T) {
	m, ch := newTestManager(t)
	ctx := context.Background()

	m.NotifyOnce(ctx, core.EventRefreshFailed, "Refresh failed", "", nil)
	// Latched: a later expiry from a loop must stay silent.
	m.CredentialExpired(ctx, "stock_watcher")

	evs := ch.waitFor(t, 1)
	require.Len(t, evs, 1)
	assert.Equal(t, core.EventRefreshFailed, evs[0].Kind)
}

func TestManager_SetSuppressedRestore(t *testing.T) {
	m, ch := newTestManager(t)

	m.SetSuppressed(true)
	m.CredentialExpired(context.Background(), "stock_watcher")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ch.events())
}
