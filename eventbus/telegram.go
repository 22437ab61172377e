package eventbus

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier relays strategy_status and error events to a single
// configured Telegram chat. It is an ordinary subscriber: the bus owes
// it nothing and drops events for it the same as for any other slow
// consumer.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegramNotifier builds a notifier from a bot token. The token is
// validated against the Telegram API (GetMe) before returning.
func NewTelegramNotifier(token string, chatID int64, log zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("eventbus: telegram bot init: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, log: log}, nil
}

// Run subscribes to TopicStrategyStatus and TopicError and forwards
// each event as a chat message until ctx is canceled.
func (t *TelegramNotifier) Run(ctx context.Context, bus *Bus) {
	statusSub := bus.Subscribe(TopicStrategyStatus)
	errorSub := bus.Subscribe(TopicError)
	defer statusSub.Unsubscribe()
	defer errorSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-statusSub.Events():
			if !ok {
				return
			}
			t.notify(evt)
		case evt, ok := <-errorSub.Events():
			if !ok {
				return
			}
			t.notify(evt)
		}
	}
}

func (t *TelegramNotifier) notify(evt Event) {
	var text string
	switch p := evt.Payload.(type) {
	case StrategyStatusEvent:
		text = fmt.Sprintf("strategy %s is now %s", p.StrategyID, p.Status)
	case ErrorEvent:
		text = fmt.Sprintf("strategy %s: %s: %s", p.StrategyID, p.Kind, p.Message)
	default:
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn().Err(err).Msg("failed to relay event to telegram")
	}
}
