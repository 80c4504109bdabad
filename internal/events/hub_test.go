package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/alert"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/mock"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(mock.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients, have %d", want, hub.ClientCount())
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.SendChan():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	hub := startHub(t)

	a := NewClient("a")
	b := NewClient("b")
	hub.Register(a)
	hub.Register(b)
	waitForCount(t, hub, 2)

	hub.Broadcast(Message{Type: "stock_transition", Data: "VA-1"})

	assert.Equal(t, "stock_transition", receive(t, a).Type)
	assert.Equal(t, "stock_transition", receive(t, b).Type)
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	hub := startHub(t)

	c := NewClient("a")
	hub.Register(c)
	waitForCount(t, hub, 1)

	hub.Unregister(c)
	waitForCount(t, hub, 0)

	// Close drained the queue; sends after that report failure.
	assert.False(t, c.Send(Message{Type: "noise"}))
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	hub := startHub(t)

	c := NewClient("slow")
	hub.Register(c)
	waitForCount(t, hub, 1)

	// Fill the client queue without reading, then push one more frame.
	for i := 0; i < 256; i++ {
		require.True(t, c.Send(Message{Type: "fill"}))
	}
	hub.Broadcast(Message{Type: "overflow"})

	waitForCount(t, hub, 0)
}

func TestHub_RunShutdownClosesClients(t *testing.T) {
	hub := NewHub(mock.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := NewClient("a")
	hub.Register(c)
	waitForCount(t, hub, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, c.Send(Message{Type: "late"}))
}

func TestHubChannel_ForwardsAlertEvents(t *testing.T) {
	hub := startHub(t)

	c := NewClient("a")
	hub.Register(c)
	waitForCount(t, hub, 1)

	ch := NewHubChannel(hub)
	assert.Equal(t, "event-stream", ch.Name())

	ev := alert.Event{Kind: core.EventNewStockInserted, Title: "New stock", Message: "VA-1 back in stock"}
	require.NoError(t, ch.Send(context.Background(), ev))

	msg := receive(t, c)
	assert.Equal(t, string(core.EventNewStockInserted), msg.Type)
	got, ok := msg.Data.(alert.Event)
	require.True(t, ok)
	assert.Equal(t, "New stock", got.Title)
}
