package alert

import (
	"context"
	"fmt"
	"time"

	"cart_sentinel/internal/core"
	apphttp "cart_sentinel/pkg/http"
)

// DiscordChannel posts events as webhook embeds.
type DiscordChannel struct {
	webhookURL  string
	mention     string
	checkoutURL string
	client      *apphttp.Client
}

// NewDiscordChannel creates a new Discord webhook channel
func NewDiscordChannel(webhookURL, mention, checkoutURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL:  webhookURL,
		mention:     mention,
		checkoutURL: checkoutURL,
		client:      apphttp.NewClient(webhookURL, 5*time.Second, nil),
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
}

func embedColor(kind core.EventKind) int {
	switch kind {
	case core.EventNewStockInserted, core.EventLoginSucceeded, core.EventRefreshSucceeded:
		return 0x00ff00
	case core.EventFillerInserted:
		return 0x3498db
	case core.EventCredentialExpired, core.EventLoginFailed, core.EventRefreshFailed:
		return 0xff0000
	default:
		return 0x95a5a6
	}
}

func (d *DiscordChannel) Send(ctx context.Context, ev Event) error {
	if d.webhookURL == "" {
		return nil
	}

	fields := make([]discordField, 0, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields = append(fields, discordField{Name: k, Value: v, Inline: true})
	}
	if ev.Kind == core.EventNewStockInserted && d.checkoutURL != "" {
		fields = append(fields, discordField{
			Name:  "Checkout",
			Value: fmt.Sprintf("[Go to cart](%s)", d.checkoutURL),
		})
	}

	embed := discordEmbed{
		Title:     ev.Title,
		Color:     embedColor(ev.Kind),
		Fields:    fields,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}

	content := ev.Message
	if d.mention != "" && ev.Kind == core.EventNewStockInserted {
		content = d.mention + " " + content
	}

	payload := map[string]interface{}{
		"content": content,
		"embeds":  []discordEmbed{embed},
	}
	if _, err := d.client.Post(ctx, "", payload); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
