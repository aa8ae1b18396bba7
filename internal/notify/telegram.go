package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: DefaultTelegramAPI,
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

// WithAPIBase points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIBase(base string) *TelegramSender {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

// Send posts a message to the configured Telegram chat using the sendMessage
// API. The title is rendered in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)

	// HTML mode: exit reasons and product ids contain characters Markdown
	// would treat as markup.
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(message))

	return postJSON(ctx, t.client, "telegram", endpoint, map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
