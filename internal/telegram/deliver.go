package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gotd/td/tg"
	"github.com/zeebo/xxh3"

	"tgrelay/internal/model"
)

// BotSender is the Bot API surface the bot agent uses.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// ChatResolver looks up stored peers for access hashes.
type ChatResolver interface {
	GetChat(ctx context.Context, telegramID int64) (*model.Chat, error)
}

// Agents routes delivery intents to the user session or the bot,
// whichever the rule selected.
type Agents struct {
	user  *UserClient
	bot   BotSender
	chats ChatResolver
	log   *slog.Logger
}

func NewAgents(user *UserClient, bot BotSender, chats ChatResolver, log *slog.Logger) *Agents {
	return &Agents{user: user, bot: bot, chats: chats, log: log}
}

// Deliver sends one intent through the selected agent. After a
// confirmed send a delete-original rule removes the source messages;
// a failure there never fails the delivery itself.
func (a *Agents) Deliver(ctx context.Context, intent *model.DeliveryIntent) error {
	var err error
	switch intent.Agent {
	case model.AgentBot:
		err = a.deliverBot(intent)
	default:
		err = a.deliverUser(ctx, intent)
	}
	if err == nil && intent.DeleteOriginal {
		if derr := a.deleteOriginals(ctx, intent); derr != nil {
			a.log.Warn("delete originals", "rule_id", intent.RuleID,
				"chat_id", intent.SourceChatID, "error", derr)
		}
	}
	return RemapTransport(err)
}

func (a *Agents) deliverBot(intent *model.DeliveryIntent) error {
	// Keeping the original author means forwarding, not re-sending.
	if intent.PreserveSender {
		for _, m := range intent.Messages {
			fwd := tgbotapi.NewForward(intent.TargetChatID, intent.SourceChatID, int(m.ID))
			if _, err := a.bot.Send(fwd); err != nil {
				return err
			}
		}
		return nil
	}

	photos := photosWithData(intent.Messages)

	switch {
	case len(photos) > 1:
		group := make([]interface{}, 0, len(photos))
		for i, m := range photos {
			item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{
				Name:  fmt.Sprintf("photo_%d.jpg", m.ID),
				Bytes: m.PhotoData,
			})
			if i == 0 {
				item.Caption = intent.Text
				item.ParseMode = parseMode(intent.Mode)
			}
			group = append(group, item)
		}
		_, err := a.bot.SendMediaGroup(tgbotapi.NewMediaGroup(intent.TargetChatID, group))
		return err
	case len(photos) == 1:
		photo := tgbotapi.NewPhoto(intent.TargetChatID, tgbotapi.FileBytes{
			Name:  fmt.Sprintf("photo_%d.jpg", photos[0].ID),
			Bytes: photos[0].PhotoData,
		})
		photo.Caption = intent.Text
		photo.ParseMode = parseMode(intent.Mode)
		_, err := a.bot.Send(photo)
		return err
	case intent.Text != "":
		msg := tgbotapi.NewMessage(intent.TargetChatID, intent.Text)
		msg.ParseMode = parseMode(intent.Mode)
		msg.DisableWebPagePreview = true
		_, err := a.bot.Send(msg)
		return err
	default:
		a.log.Debug("nothing the bot agent can deliver", "rule_id", intent.RuleID)
		return nil
	}
}

func (a *Agents) deliverUser(ctx context.Context, intent *model.DeliveryIntent) error {
	select {
	case <-a.user.Ready():
	default:
		return fmt.Errorf("user session not ready")
	}

	peer, err := a.inputPeer(ctx, intent.TargetChatID)
	if err != nil {
		return err
	}

	// Media survives only by forwarding the originals; keeping the
	// original author or timestamp needs the forward header too.
	// Re-sending text covers everything else.
	if hasMedia(intent.Messages) || intent.PreserveSender || intent.PreserveTime {
		return a.forwardOriginals(ctx, intent, peer)
	}
	if intent.Text == "" {
		return nil
	}
	_, err = a.user.Sender().To(peer).Text(ctx, intent.Text)
	return err
}

// forwardOriginals re-forwards the source messages, dropping the author
// header unless the rule preserves the sender. Random ids are derived
// from (rule, chat, message) so a retry after a half-applied forward
// does not duplicate on the Telegram side.
func (a *Agents) forwardOriginals(ctx context.Context, intent *model.DeliveryIntent, to tg.InputPeerClass) error {
	from, err := a.inputPeer(ctx, intent.SourceChatID)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(intent.Messages))
	randomIDs := make([]int64, 0, len(intent.Messages))
	for _, m := range intent.Messages {
		ids = append(ids, int(m.ID))
		seed := fmt.Sprintf("%d:%d:%d", intent.RuleID, m.ChatID, m.ID)
		randomIDs = append(randomIDs, int64(xxh3.HashString(seed)))
	}
	_, err = a.user.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ToPeer:     to,
		ID:         ids,
		RandomID:   randomIDs,
		DropAuthor: !intent.PreserveSender,
	})
	return err
}

// deleteOriginals removes the source messages after a delete-original
// rule delivered them. Channels need the channel-scoped call; everything
// else goes through the revoking chat delete.
func (a *Agents) deleteOriginals(ctx context.Context, intent *model.DeliveryIntent) error {
	chat, err := a.chats.GetChat(ctx, intent.SourceChatID)
	if err != nil {
		return fmt.Errorf("resolve source %d: %w", intent.SourceChatID, err)
	}
	ids := make([]int, 0, len(intent.Messages))
	for _, m := range intent.Messages {
		ids = append(ids, int(m.ID))
	}
	if chat.Type == model.ChatChannel {
		_, err = a.user.API().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: chat.TelegramID, AccessHash: chat.AccessHash},
			ID:      ids,
		})
		return err
	}
	_, err = a.user.API().MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     ids,
	})
	return err
}

func (a *Agents) inputPeer(ctx context.Context, telegramID int64) (tg.InputPeerClass, error) {
	chat, err := a.chats.GetChat(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %d: %w", telegramID, err)
	}
	switch chat.Type {
	case model.ChatChannel:
		return &tg.InputPeerChannel{ChannelID: chat.TelegramID, AccessHash: chat.AccessHash}, nil
	case model.ChatPrivate:
		return &tg.InputPeerUser{UserID: chat.TelegramID, AccessHash: chat.AccessHash}, nil
	default:
		return &tg.InputPeerChat{ChatID: chat.TelegramID}, nil
	}
}

func parseMode(mode model.MessageMode) string {
	switch mode {
	case model.RenderMarkdown:
		return tgbotapi.ModeMarkdown
	case model.RenderHTML:
		return tgbotapi.ModeHTML
	default:
		return ""
	}
}

func photosWithData(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.Media == model.MediaImage && len(m.PhotoData) > 0 {
			out = append(out, m)
		}
	}
	return out
}

func hasMedia(msgs []model.Message) bool {
	for _, m := range msgs {
		if m.Media != model.MediaNone {
			return true
		}
	}
	return false
}
