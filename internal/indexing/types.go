// Package indexing defines core types shared across subsystems.
package indexing

import (
	"fmt"
	"time"
)

// Source identifies the platform a document originated from.
type Source string

// Supported platforms.
const (
	SourceTelegram Source = "telegram"
	SourceTwitter  Source = "twitter"
)

// Valid reports whether s is a known platform.
func (s Source) Valid() bool {
	switch s {
	case SourceTelegram, SourceTwitter:
		return true
	default:
		return false
	}
}

// ProcessingStatus tracks how far a document travelled through the pipeline.
type ProcessingStatus string

// Pipeline stages, in order. Failed is terminal.
const (
	StatusScraped   ProcessingStatus = "scraped"
	StatusProcessed ProcessingStatus = "processed"
	StatusEmbedded  ProcessingStatus = "embedded"
	StatusStored    ProcessingStatus = "stored"
	StatusFailed    ProcessingStatus = "failed"
)

// Derived carries heuristically extracted metadata. None of it is
// authoritative; consumers must treat it as a hint.
type Derived struct {
	KaspaRelated bool     `json:"kaspa_related"`
	Topics       []string `json:"topics,omitempty"`
	Hashtags     []string `json:"hashtags,omitempty"`
	Mentions     []string `json:"mentions,omitempty"`
	Links        []string `json:"links,omitempty"`
}

// TelegramFields holds the source-specific payload for telegram documents.
type TelegramFields struct {
	ChannelID   int64  `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	TopicID     int64  `json:"topic_id,omitempty"`
	MessageID   int64  `json:"message_id"`
	Views       int    `json:"views"`
	Forwards    int    `json:"forwards"`
	ReplyToID   int64  `json:"reply_to_id,omitempty"`
}

// TwitterFields holds the source-specific payload for twitter documents.
type TwitterFields struct {
	TweetID        string `json:"tweet_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Likes          int    `json:"likes"`
	Retweets       int    `json:"retweets"`
	Replies        int    `json:"replies"`
	Quotes         int    `json:"quotes"`
	IsRetweet      bool   `json:"is_retweet"`
	IsReply        bool   `json:"is_reply"`
}

// Document is the unified schema every harvested message is normalized into.
// Exactly one of Telegram/Twitter is populated, matching Source; Validate
// enforces it.
type Document struct {
	ID           string           `json:"id"`
	Source       Source           `json:"source"`
	Text         string           `json:"text"`
	Author       string           `json:"author"`
	AuthorHandle string           `json:"author_handle"`
	CreatedAt    time.Time        `json:"created_at"`
	URL          string           `json:"url"`
	Status       ProcessingStatus `json:"status"`
	Derived      Derived          `json:"derived"`
	Language     string           `json:"language,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
	RetryCount   int              `json:"retry_count"`

	Vector     []float32  `json:"vector,omitempty"`
	Dimensions int        `json:"dimensions,omitempty"`
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
	StoredAt   *time.Time `json:"stored_at,omitempty"`

	Telegram *TelegramFields `json:"telegram,omitempty"`
	Twitter  *TwitterFields  `json:"twitter,omitempty"`
}

// Validate checks the core-field and variant invariants.
func (d Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document missing id")
	}
	if !d.Source.Valid() {
		return fmt.Errorf("document %s: unknown source %q", d.ID, d.Source)
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("document %s: missing created_at", d.ID)
	}
	switch d.Source {
	case SourceTelegram:
		if d.Telegram == nil || d.Twitter != nil {
			return fmt.Errorf("document %s: telegram variant must carry exactly the telegram field group", d.ID)
		}
	case SourceTwitter:
		if d.Twitter == nil || d.Telegram != nil {
			return fmt.Errorf("document %s: twitter variant must carry exactly the twitter field group", d.ID)
		}
	}
	if len(d.Vector) > 0 && d.Status != StatusEmbedded && d.Status != StatusStored {
		return fmt.Errorf("document %s: vector present before embedded status", d.ID)
	}
	return nil
}

// Embeddable reports whether the document still needs an embedding.
func (d Document) Embeddable() bool {
	return len(d.Vector) == 0
}

// Stream is a logical, independently-progressing indexing unit: a channel,
// a channel+topic pair, or an account.
type Stream struct {
	Source   Source `json:"source"`
	Name     string `json:"name"`
	Topic    int64  `json:"topic,omitempty"`
	Priority int    `json:"priority"`
}

// Key returns the canonical stream identity used by the history ledger.
func (s Stream) Key() string {
	if s.Topic > 0 {
		return fmt.Sprintf("%s:%s:%d", s.Source, s.Name, s.Topic)
	}
	return fmt.Sprintf("%s:%s", s.Source, s.Name)
}

// MaxRecentErrors bounds the per-stream error ring.
const MaxRecentErrors = 10

// HistoryRecord is the durable per-stream ledger entry. The cursor moves
// monotonically forward: bottom-up backfill advances from the oldest
// retained message toward the present.
type HistoryRecord struct {
	StreamKey           string    `json:"stream_key"`
	LatestMessageDate   time.Time `json:"latest_message_date"`
	LatestMessageID     string    `json:"latest_message_id,omitempty"`
	EarliestMessageDate time.Time `json:"earliest_message_date"`
	EarliestMessageID   string    `json:"earliest_message_id,omitempty"`
	MessagesIndexed     int       `json:"messages_indexed"`
	IsComplete          bool      `json:"is_complete"`
	ConsecutiveErrors   int       `json:"consecutive_errors"`
	RecentErrors        []string  `json:"recent_errors,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastIndexedAt       time.Time `json:"last_indexed_at"`
}

// HistoryDelta describes a partial update to a HistoryRecord. Nil pointer
// fields leave the stored value untouched; MessagesIndexed is additive.
type HistoryDelta struct {
	MessagesIndexed     int
	LatestMessageDate   *time.Time
	LatestMessageID     *string
	EarliestMessageDate *time.Time
	EarliestMessageID   *string
	IsComplete          *bool
	Error               string
	ClearErrors         bool
	Indexed             bool
}

// AccountStatus is the rotation state the selector scores each cycle.
type AccountStatus struct {
	StreamKey       string     `json:"stream_key"`
	LastFullSync    *time.Time `json:"last_full_sync,omitempty"`
	LastPartialSync *time.Time `json:"last_partial_sync,omitempty"`
	IsComplete      bool       `json:"is_complete"`
	Priority        int        `json:"priority"`
	ConsecutiveRuns int        `json:"consecutive_runs"`
	TotalEstimated  int64      `json:"total_estimated"`
	Synced          int64      `json:"synced"`
}

// CompletionRatio estimates sync progress in [0,1]; 0 when unknown.
func (a AccountStatus) CompletionRatio() float64 {
	if a.TotalEstimated <= 0 {
		return 0
	}
	r := float64(a.Synced) / float64(a.TotalEstimated)
	if r > 1 {
		return 1
	}
	return r
}
