package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends transcripts through the Bot API. Destinations are numeric
// chat ids or "@channel" usernames.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram authenticates the bot token against endpoint. An empty
// endpoint selects the public Bot API.
func NewTelegram(token, endpoint string, client *http.Client) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Send(_ context.Context, destination, text string) (Message, error) {
	var cfg tgbotapi.MessageConfig
	if chatID, err := strconv.ParseInt(destination, 10, 64); err == nil {
		cfg = tgbotapi.NewMessage(chatID, text)
	} else if strings.HasPrefix(destination, "@") {
		cfg = tgbotapi.NewMessageToChannel(destination, text)
	} else {
		return Message{}, fmt.Errorf("invalid telegram destination %q", destination)
	}
	cfg.DisableNotification = true

	sent, err := t.bot.Send(cfg)
	if err != nil {
		return Message{}, fmt.Errorf("telegram send: %w", err)
	}
	return Message{Destination: destination, ID: sent.MessageID}, nil
}

func (t *Telegram) Edit(_ context.Context, msg Message, text string) error {
	var cfg tgbotapi.EditMessageTextConfig
	if chatID, err := strconv.ParseInt(msg.Destination, 10, 64); err == nil {
		cfg = tgbotapi.NewEditMessageText(chatID, msg.ID, text)
	} else {
		cfg = tgbotapi.EditMessageTextConfig{
			BaseEdit: tgbotapi.BaseEdit{ChannelUsername: msg.Destination, MessageID: msg.ID},
			Text:     text,
		}
	}
	if _, err := t.bot.Send(cfg); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}
