package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"tgrelay/internal/ingest"
	"tgrelay/internal/model"
)

// History pages through a chat's message history via the user session,
// newest first. offsetID=0 starts from the latest message. The returned
// total is the chat's full message count when the server reports one,
// otherwise the batch length.
func (a *Agents) History(ctx context.Context, chatID int64, offsetID, limit int) ([]model.Message, int, error) {
	select {
	case <-a.user.Ready():
	default:
		return nil, 0, fmt.Errorf("user session not ready")
	}

	peer, err := a.inputPeer(ctx, chatID)
	if err != nil {
		return nil, 0, err
	}

	res, err := a.user.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, 0, RemapTransport(fmt.Errorf("get history for %d: %w", chatID, err))
	}

	var raw []tg.MessageClass
	var total int
	switch msgs := res.(type) {
	case *tg.MessagesMessages:
		raw = msgs.Messages
		total = len(msgs.Messages)
	case *tg.MessagesMessagesSlice:
		raw = msgs.Messages
		total = msgs.Count
	case *tg.MessagesChannelMessages:
		raw = msgs.Messages
		total = msgs.Count
	default:
		return nil, 0, fmt.Errorf("unexpected history response %T", res)
	}

	batch := make([]model.Message, 0, len(raw))
	for _, rm := range raw {
		msg, ok := rm.(*tg.Message)
		if !ok {
			continue
		}
		m := ingest.Convert(msg)
		if m.ChatID == 0 {
			m.ChatID = chatID
		}
		batch = append(batch, m)
	}
	return batch, total, nil
}
