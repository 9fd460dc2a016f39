// Package telegram delivers reminders as Telegram messages with snooze and
// dismiss buttons and turns button presses back into action payloads.
package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"calremind/internal/action"
	"calremind/internal/identity"
	"calremind/internal/kv"
	appLog "calremind/internal/log"
	"calremind/internal/notify"
)

// StorageKey is the kv key mapping notification IDs to sent messages.
const StorageKey = "telegram.messages"

// API is the subset of *tgbotapi.BotAPI in use.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type sentMessage struct {
	MessageID int    `json:"message_id"`
	Title     string `json:"title"`
	Digest    string `json:"digest"`
}

// Deliverer is a notify.Deliverer that posts to one chat. Message IDs are
// kept in kv so a restarted process can still retract them. Each send or
// delete runs inside a kv update of the message map, so two processes
// sharing the store never post the same reminder twice.
type Deliverer struct {
	api    API
	chatID int64
	kv     kv.Store
}

// NewDeliverer returns a Deliverer posting to chatID.
func NewDeliverer(api API, chatID int64, store kv.Store) *Deliverer {
	return &Deliverer{api: api, chatID: chatID, kv: store}
}

func (d *Deliverer) load(ctx context.Context) (map[string]sentMessage, error) {
	data, err := d.kv.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return make(map[string]sentMessage), nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data), nil
}

func decode(data []byte) map[string]sentMessage {
	out := make(map[string]sentMessage)
	if data == nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		appLog.Error("telegram message map unreadable; starting over", err)
		return make(map[string]sentMessage)
	}
	return out
}

func digest(n notify.Notification) string {
	sum := sha256.Sum256([]byte(n.Title + "\x00" + n.Body))
	return hex.EncodeToString(sum[:8])
}

// Deliver posts n. A message already showing identical content is left in
// place; a stale one for the same ID is replaced.
func (d *Deliverer) Deliver(ctx context.Context, n notify.Notification) error {
	id := strconv.Itoa(int(n.ID))
	sum := digest(n)
	posted, fresh := 0, false

	err := d.kv.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		sent := decode(current)
		if prev, ok := sent[id]; ok {
			if prev.Digest == sum {
				return nil, kv.ErrNoChange
			}
			d.deleteMessage(prev.MessageID, n.ID)
		}

		msg := tgbotapi.NewMessage(d.chatID, "🔔 "+n.Title+"\n"+n.Body)
		if kb, ok := keyboard(n.Actions); ok {
			msg.ReplyMarkup = kb
		}
		m, err := d.api.Send(msg)
		if err != nil {
			return nil, fmt.Errorf("telegram: send: %w", err)
		}
		posted, fresh = m.MessageID, true

		sent[id] = sentMessage{MessageID: m.MessageID, Title: n.Title, Digest: sum}
		return json.Marshal(sent)
	})
	if err != nil {
		return err
	}
	if !fresh {
		appLog.Debug("telegram message already displayed", "notification_id", n.ID)
		return nil
	}
	appLog.Info("telegram reminder sent", "notification_id", n.ID, "key", n.Key, "message_id", posted)
	return nil
}

// Retract deletes the message for id, if one was sent.
func (d *Deliverer) Retract(ctx context.Context, id identity.NotificationID) error {
	k := strconv.Itoa(int(id))
	err := d.kv.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		sent := decode(current)
		prev, ok := sent[k]
		if !ok {
			return nil, kv.ErrNoChange
		}
		d.deleteMessage(prev.MessageID, id)
		delete(sent, k)
		return json.Marshal(sent)
	})
	if err != nil {
		return fmt.Errorf("telegram: save messages: %w", err)
	}
	return nil
}

// deleteMessage failures are only logged: the user may already have
// deleted the message, and Telegram refuses to delete old ones.
func (d *Deliverer) deleteMessage(messageID int, id identity.NotificationID) {
	if _, err := d.api.Request(tgbotapi.NewDeleteMessage(d.chatID, messageID)); err != nil {
		appLog.Error("telegram delete failed", err, "notification_id", id, "message_id", messageID)
	}
}

// ListShown reports the messages currently posted.
func (d *Deliverer) ListShown(ctx context.Context) ([]notify.Shown, error) {
	sent, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]notify.Shown, 0, len(sent))
	for k, m := range sent {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out = append(out, notify.Shown{ID: identity.NotificationID(n), Title: m.Title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var buttonLabels = map[action.Kind]string{
	action.Snooze:  "⏰ Snooze",
	action.Dismiss: "✅ Dismiss",
}

// keyboard builds one row of buttons. Callback data is limited to 64
// bytes, so the compact form is used without the event ID.
func keyboard(actions []action.Payload) (tgbotapi.InlineKeyboardMarkup, bool) {
	var row []tgbotapi.InlineKeyboardButton
	for _, a := range actions {
		label, ok := buttonLabels[a.Action]
		if !ok {
			continue
		}
		a.EventID = ""
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, a.EncodeCompact()))
	}
	if len(row) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), true
}
