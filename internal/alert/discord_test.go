package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/core"
)

type webhookPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

func TestDiscordChannel_SendsEmbed(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewDiscordChannel(server.URL, "@here", "https://example.test/cart")
	err := ch.Send(context.Background(), Event{
		Kind:      core.EventNewStockInserted,
		Title:     "New stock added to cart",
		Message:   "Jacket is back in stock.",
		Timestamp: time.Now(),
		Fields:    map[string]string{"size": "M"},
	})
	require.NoError(t, err)

	assert.Equal(t, "@here Jacket is back in stock.", got.Content)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "New stock added to cart", got.Embeds[0].Title)

	names := make([]string, 0, len(got.Embeds[0].Fields))
	for _, f := range got.Embeds[0].Fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "size")
	assert.Contains(t, names, "Checkout")
}

func TestDiscordChannel_WebhookFailureIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ch := NewDiscordChannel(server.URL, "", "")
	err := ch.Send(context.Background(), Event{Kind: core.EventRefreshFailed, Title: "Refresh failed"})
	assert.Error(t, err)
}

func TestDiscordChannel_EmptyURLIsNoop(t *testing.T) {
	ch := NewDiscordChannel("", "", "")
	assert.NoError(t, ch.Send(context.Background(), Event{Kind: core.EventLoginFailed}))
}
