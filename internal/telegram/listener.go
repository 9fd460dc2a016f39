package telegram

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"calremind/internal/action"
	appLog "calremind/internal/log"
)

// ActionHandler applies raw action payloads.
type ActionHandler interface {
	HandleRaw(ctx context.Context, raw string) (action.Outcome, error)
}

// Listener answers inline-button presses from the configured chat.
type Listener struct {
	api     API
	chatID  int64
	handler ActionHandler
	loc     *time.Location
}

// NewListener returns a Listener. loc formats snooze expiries in replies.
func NewListener(api API, chatID int64, h ActionHandler, loc *time.Location) *Listener {
	if loc == nil {
		loc = time.Local
	}
	return &Listener{api: api, chatID: chatID, handler: h, loc: loc}
}

// Run consumes updates until ctx ends or the channel closes.
func (l *Listener) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery != nil {
				l.handleCallback(ctx, u.CallbackQuery)
			}
		}
	}
}

func (l *Listener) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != l.chatID {
		l.answer(cb.ID, "")
		return
	}

	out, err := l.handler.HandleRaw(ctx, cb.Data)
	switch {
	case err != nil:
		appLog.Error("telegram action failed", err, "data", cb.Data)
		l.answer(cb.ID, "Could not save that, try again")
	case !out.Applied:
		l.answer(cb.ID, "This reminder is no longer valid")
	case out.Payload.Action == action.Snooze:
		l.answer(cb.ID, "Snoozed until "+out.SnoozedUntil.In(l.loc).Format("15:04"))
	default:
		l.answer(cb.ID, "Dismissed")
	}
}

func (l *Listener) answer(callbackID, text string) {
	if _, err := l.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		appLog.Error("telegram callback answer failed", err)
	}
}
