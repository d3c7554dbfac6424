package ingest

import (
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"tgrelay/internal/model"
)

// Convert flattens a raw MTProto message into the narrow shape the core
// pipeline evaluates. Captioned media keeps the text in Caption so the
// filters can tell the two apart.
func Convert(msg *tg.Message) model.Message {
	m := model.Message{
		ID:        int64(msg.ID),
		GroupedID: msg.GroupedID,
		ChatID:    peerID(msg.PeerID),
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.EditDate != 0 {
		m.EditDate = time.Unix(int64(msg.EditDate), 0).UTC()
	}
	if msg.FromID != nil {
		m.SenderID = peerID(msg.FromID)
	}

	switch media := msg.Media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		m.Text = msg.Message
		return m
	case *tg.MessageMediaPhoto:
		m.Media = model.MediaImage
		if photo, ok := media.Photo.(*tg.Photo); ok {
			m.FileID = strconv.FormatInt(photo.ID, 10)
			m.FileUniqueID = m.FileID
		}
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			m.Media = model.MediaDocument
			break
		}
		m.Media = classifyDocument(doc, &m)
		m.MediaBytes = doc.Size
		m.MimeType = doc.MimeType
		m.FileID = strconv.FormatInt(doc.ID, 10)
		m.FileUniqueID = m.FileID
	default:
		m.Media = model.MediaDocument
	}
	m.Caption = msg.Message
	return m
}

func classifyDocument(doc *tg.Document, m *model.Message) model.MediaKind {
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			m.Duration = int(a.Duration)
			return model.MediaVideo
		case *tg.DocumentAttributeAudio:
			m.Duration = int(a.Duration)
			if a.Voice {
				return model.MediaVoice
			}
			return model.MediaAudio
		}
	}
	return model.MediaDocument
}

func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	}
	return 0
}
