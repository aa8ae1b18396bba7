package notify

import (
	"context"
	"net/http"
	"strings"
)

// Discord limits an embed title to 256 and a description to 4096 runes.
const (
	discordTitleMax = 256
	discordDescMax  = 4096
)

// DiscordSender delivers notifications as an embed through a Discord
// webhook. Mentions are never parsed, so symbols or error text cannot ping
// the channel.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
}

type discordPayload struct {
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// Send posts one embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	var p discordPayload
	p.Embeds = []discordEmbed{{
		Title:       truncateRunes(title, discordTitleMax),
		Description: truncateRunes(message, discordDescMax),
		Color:       embedColor(title),
	}}
	p.AllowedMentions.Parse = []string{}
	return postJSON(ctx, d.client, "discord", d.webhookURL, p)
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

// embedColor marks failures red and everything else blue.
func embedColor(title string) int {
	if strings.Contains(strings.ToLower(title), "failed") {
		return 0xE74C3C
	}
	return 0x3498DB
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
