package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// tweet is the raw payload shape the twitter bridge emits.
type tweet struct {
	TweetID        string    `json:"tweet_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text"`
	AuthorName     string    `json:"author_name"`
	AuthorHandle   string    `json:"author_handle"`
	CreatedAt      time.Time `json:"created_at"`
	Likes          int       `json:"likes"`
	Retweets       int       `json:"retweets"`
	Replies        int       `json:"replies"`
	Quotes         int       `json:"quotes"`
	IsRetweet      bool      `json:"is_retweet"`
	IsReply        bool      `json:"is_reply"`
}

// Twitter converts a raw tweet payload into a Document.
func Twitter(item indexing.RawItem) (indexing.Document, error) {
	var tw tweet
	if err := json.Unmarshal(item.Payload, &tw); err != nil {
		return indexing.Document{}, fmt.Errorf("decode tweet payload: %w", err)
	}
	if tw.TweetID == "" || tw.AuthorHandle == "" {
		return indexing.Document{}, fmt.Errorf("tweet payload missing tweet_id or author_handle")
	}

	text := strings.TrimSpace(tw.Text)
	d := derive(text)
	doc := indexing.Document{
		ID:           fmt.Sprintf("twitter:%s", tw.TweetID),
		Source:       indexing.SourceTwitter,
		Text:         text,
		Author:       tw.AuthorName,
		AuthorHandle: tw.AuthorHandle,
		CreatedAt:    tw.CreatedAt.UTC(),
		URL:          fmt.Sprintf("https://x.com/%s/status/%s", tw.AuthorHandle, tw.TweetID),
		Status:       indexing.StatusProcessed,
		Language:     languageHint(text),
		Derived: indexing.Derived{
			KaspaRelated: d.KaspaRelated,
			Topics:       d.Topics,
			Hashtags:     d.Hashtags,
			Mentions:     d.Mentions,
			Links:        d.Links,
		},
		Twitter: &indexing.TwitterFields{
			TweetID:        tw.TweetID,
			ConversationID: tw.ConversationID,
			Likes:          tw.Likes,
			Retweets:       tw.Retweets,
			Replies:        tw.Replies,
			Quotes:         tw.Quotes,
			IsRetweet:      tw.IsRetweet,
			IsReply:        tw.IsReply,
		},
	}
	if err := doc.Validate(); err != nil {
		return indexing.Document{}, err
	}
	return doc, nil
}

// ForSource returns the normalizer registered for a platform.
func ForSource(source indexing.Source) (indexing.Normalizer, error) {
	switch source {
	case indexing.SourceTelegram:
		return Telegram, nil
	case indexing.SourceTwitter:
		return Twitter, nil
	default:
		return nil, fmt.Errorf("no normalizer for source %q", source)
	}
}
