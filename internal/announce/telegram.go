package announce

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts announcements to one chat or channel via the Bot API.
type Telegram struct {
	token    string
	chatID   int64
	endpoint string
	http     *http.Client
}

func NewTelegram(token string, chatID int64, endpoint string, timeout time.Duration, hc *http.Client) *Telegram {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if hc == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Telegram{token: token, chatID: chatID, endpoint: endpoint, http: hc}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Announce(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The bot API client has no context support; the HTTP client timeout bounds each call.
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.http)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	sent, err := bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return fmt.Sprintf("message %d as @%s", sent.MessageID, bot.Self.UserName), nil
}
