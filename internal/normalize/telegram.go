package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// telegramMessage is the raw payload shape the telegram bridge emits.
type telegramMessage struct {
	MessageID   int64     `json:"message_id"`
	ChannelID   int64     `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	TopicID     int64     `json:"topic_id,omitempty"`
	Text        string    `json:"text"`
	Date        time.Time `json:"date"`
	SenderName  string    `json:"sender_name"`
	SenderID    int64     `json:"sender_id"`
	Views       int       `json:"views"`
	Forwards    int       `json:"forwards"`
	ReplyToID   int64     `json:"reply_to_id,omitempty"`
}

// Telegram converts a raw telegram bridge message into a Document.
func Telegram(item indexing.RawItem) (indexing.Document, error) {
	var msg telegramMessage
	if err := json.Unmarshal(item.Payload, &msg); err != nil {
		return indexing.Document{}, fmt.Errorf("decode telegram payload: %w", err)
	}
	if msg.MessageID == 0 || msg.ChannelName == "" {
		return indexing.Document{}, fmt.Errorf("telegram payload missing message_id or channel_name")
	}

	id := fmt.Sprintf("telegram:%s:%d", msg.ChannelName, msg.MessageID)
	if msg.TopicID > 0 {
		id = fmt.Sprintf("telegram:%s:%d:%d", msg.ChannelName, msg.TopicID, msg.MessageID)
	}

	text := strings.TrimSpace(msg.Text)
	d := derive(text)
	doc := indexing.Document{
		ID:           id,
		Source:       indexing.SourceTelegram,
		Text:         text,
		Author:       msg.SenderName,
		AuthorHandle: msg.ChannelName,
		CreatedAt:    msg.Date.UTC(),
		URL:          fmt.Sprintf("https://t.me/%s/%d", msg.ChannelName, msg.MessageID),
		Status:       indexing.StatusProcessed,
		Language:     languageHint(text),
		Derived: indexing.Derived{
			KaspaRelated: d.KaspaRelated,
			Topics:       d.Topics,
			Hashtags:     d.Hashtags,
			Mentions:     d.Mentions,
			Links:        d.Links,
		},
		Telegram: &indexing.TelegramFields{
			ChannelID:   msg.ChannelID,
			ChannelName: msg.ChannelName,
			TopicID:     msg.TopicID,
			MessageID:   msg.MessageID,
			Views:       msg.Views,
			Forwards:    msg.Forwards,
			ReplyToID:   msg.ReplyToID,
		},
	}
	if err := doc.Validate(); err != nil {
		return indexing.Document{}, err
	}
	return doc, nil
}
