// Package ingest translates Telegram client updates into queue pushes.
// The update dispatcher invokes handlers sequentially, which preserves
// per-chat arrival order all the way into the queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gotd/td/tg"

	"tgrelay/internal/config"
	"tgrelay/internal/model"
	"tgrelay/internal/worker"
)

// Pusher enqueues tasks.
type Pusher interface {
	Push(ctx context.Context, t *model.Task) (bool, error)
}

// ChatStore refreshes cached chat metadata from update entities.
type ChatStore interface {
	UpsertChat(ctx context.Context, c *model.Chat) error
}

// CleanupPayload is the body of a cleanup_message task pushed when a
// source message is deleted.
type CleanupPayload struct {
	ChatID     int64   `json:"chat_id"`
	MessageIDs []int64 `json:"message_ids"`
}

// Listener wires gotd update handlers to the task queue.
type Listener struct {
	queue    Pusher
	chats    ChatStore
	settings *config.Store
	log      *slog.Logger

	stopped    atomic.Bool
	dispatcher tg.UpdateDispatcher
}

func NewListener(queue Pusher, chats ChatStore, settings *config.Store, log *slog.Logger) *Listener {
	l := &Listener{
		queue:    queue,
		chats:    chats,
		settings: settings,
		log:      log,
	}
	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(l.onNewMessage)
	d.OnNewChannelMessage(l.onNewChannelMessage)
	d.OnEditMessage(l.onEditMessage)
	d.OnEditChannelMessage(l.onEditChannelMessage)
	d.OnDeleteMessages(l.onDeleteMessages)
	d.OnDeleteChannelMessages(l.onDeleteChannelMessages)
	l.dispatcher = d
	return l
}

// Dispatcher returns the update handler to hand to the client.
func (l *Listener) Dispatcher() tg.UpdateDispatcher { return l.dispatcher }

// Stop makes the listener drop all further updates. Used during shutdown
// so the queue stops growing while the workers drain.
func (l *Listener) Stop() { l.stopped.Store(true) }

func (l *Listener) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	l.refreshChats(ctx, e)
	return l.ingest(ctx, u.Message, false)
}

func (l *Listener) onNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	l.refreshChats(ctx, e)
	return l.ingest(ctx, u.Message, false)
}

func (l *Listener) onEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	l.refreshChats(ctx, e)
	return l.ingest(ctx, u.Message, true)
}

func (l *Listener) onEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	l.refreshChats(ctx, e)
	return l.ingest(ctx, u.Message, true)
}

func (l *Listener) onDeleteMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	return l.cleanup(ctx, 0, u.Messages)
}

func (l *Listener) onDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	return l.cleanup(ctx, u.ChannelID, u.Messages)
}

// ingest converts and enqueues one message. Outgoing messages and empty
// service updates are skipped; edits are skipped unless enabled.
func (l *Listener) ingest(ctx context.Context, raw tg.MessageClass, edited bool) error {
	if l.stopped.Load() {
		return nil
	}
	msg, ok := raw.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	if edited && !l.settings.GetBool(ctx, "ingest.process_edits", false) {
		return nil
	}

	m := Convert(msg)
	if m.ChatID == 0 {
		return nil
	}
	if m.BestText() == "" && m.Media == model.MediaNone {
		return nil
	}

	payload, err := worker.EncodeMessage(&m)
	if err != nil {
		l.log.Error("encode message", "chat_id", m.ChatID, "msg_id", m.ID, "error", err)
		return nil
	}

	dedupKey := fmt.Sprintf("%s:%d:%d", worker.TaskProcessMessage, m.ChatID, m.ID)
	if edited {
		// A new dedup key per edit revision lets the edit reprocess.
		dedupKey = fmt.Sprintf("%s:%d", dedupKey, msg.EditDate)
	}

	task := &model.Task{
		Type:     worker.TaskProcessMessage,
		Payload:  payload,
		DedupKey: dedupKey,
		GroupID:  m.GroupedID,
	}
	inserted, err := l.queue.Push(ctx, task)
	if err != nil {
		l.log.Error("push task", "chat_id", m.ChatID, "msg_id", m.ID, "error", err)
		return err
	}
	if inserted {
		l.log.Debug("message queued", "chat_id", m.ChatID, "msg_id", m.ID,
			"group_id", m.GroupedID, "media", string(m.Media), "edited", edited)
	}
	return nil
}

func (l *Listener) cleanup(ctx context.Context, chatID int64, msgIDs []int) error {
	if l.stopped.Load() {
		return nil
	}
	if !l.settings.GetBool(ctx, "ingest.process_deletes", false) {
		return nil
	}
	ids := make([]int64, 0, len(msgIDs))
	for _, id := range msgIDs {
		ids = append(ids, int64(id))
	}
	payload, err := json.Marshal(CleanupPayload{ChatID: chatID, MessageIDs: ids})
	if err != nil {
		return fmt.Errorf("encode cleanup payload: %w", err)
	}
	if _, err := l.queue.Push(ctx, &model.Task{
		Type:    worker.TaskCleanupMessage,
		Payload: payload,
	}); err != nil {
		l.log.Error("push cleanup task", "chat_id", chatID, "error", err)
		return err
	}
	return nil
}

// refreshChats upserts every peer the update brought along, keeping the
// chat table's titles, usernames and member counts current.
func (l *Listener) refreshChats(ctx context.Context, e tg.Entities) {
	for _, ch := range e.Channels {
		l.upsert(ctx, &model.Chat{
			TelegramID:  ch.ID,
			AccessHash:  ch.AccessHash,
			Title:       ch.Title,
			Username:    ch.Username,
			Type:        model.ChatChannel,
			IsActive:    true,
			MemberCount: ch.ParticipantsCount,
		})
	}
	for _, c := range e.Chats {
		l.upsert(ctx, &model.Chat{
			TelegramID:  c.ID,
			Title:       c.Title,
			Type:        model.ChatGroup,
			IsActive:    true,
			MemberCount: c.ParticipantsCount,
		})
	}
	for _, u := range e.Users {
		title := u.FirstName
		if u.LastName != "" {
			title = title + " " + u.LastName
		}
		l.upsert(ctx, &model.Chat{
			TelegramID: u.ID,
			AccessHash: u.AccessHash,
			Title:      title,
			Username:   u.Username,
			Type:       model.ChatPrivate,
			IsActive:   true,
		})
	}
}

func (l *Listener) upsert(ctx context.Context, c *model.Chat) {
	if err := l.chats.UpsertChat(ctx, c); err != nil {
		l.log.Warn("upsert chat", "telegram_id", c.TelegramID, "error", err)
	}
}
