package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"

	"github.com/i474232898/rain-forecast/internal/httpx"
)

// Telegram sends through a Telegram bot; channel is the chat id or @username.
type Telegram struct {
	bot *bot.Bot
}

// NewTelegram builds the bot client without calling getMe, so start-up does
// not depend on Telegram being reachable. Calls go through the push retry
// policy.
func NewTelegram(token string, client *http.Client, opts ...bot.Option) (*Telegram, error) {
	if client == nil {
		client = http.DefaultClient
	}
	exec := httpx.New(client, httpx.PushPolicy, httpx.NewBreaker("telegram"))
	return NewTelegramWithExecutor(token, exec, client.Timeout, opts...)
}

// NewTelegramWithExecutor is NewTelegram with an explicit executor.
func NewTelegramWithExecutor(token string, exec *httpx.Executor, timeout time.Duration, opts ...bot.Option) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is not set")
	}
	options := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, exec.AsDoer()),
	}
	options = append(options, opts...)

	b, err := bot.New(token, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Send(ctx context.Context, chatID, title, body string) Result {
	if chatID == "" {
		return Result{Message: "missing chat_id"}
	}
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   fmt.Sprintf("%s\n\n%s", title, body),
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return Result{Message: fmt.Sprintf("failed to send Telegram message to chat_id %s: %v", chatID, err)}
	}
	return Result{Success: true, Message: msgSent}
}
