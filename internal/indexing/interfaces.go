package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Direction orients pagination relative to the cursor.
type Direction string

// Fetch directions. Backfill always walks forward: the stored cursor is the
// lower bound and pages return messages newer than it.
const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

// Cursor marks how far a stream has been processed.
type Cursor struct {
	Date time.Time `json:"date"`
	ID   string    `json:"id,omitempty"`
}

// Zero reports whether the cursor has never advanced.
func (c Cursor) Zero() bool {
	return c.Date.IsZero() && c.ID == ""
}

// FetchRequest asks a Fetcher for one page of a stream.
type FetchRequest struct {
	Stream    Stream
	Cursor    Cursor
	Limit     int
	Direction Direction
}

// RawItem is an unparsed platform payload. Normalizers validate and map it;
// everything upstream treats it as opaque.
type RawItem struct {
	Source  Source          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// Page is one fetch result. HasMore false means the platform reported no
// further history, which is distinct from a transient fetch error.
type Page struct {
	Items   []RawItem
	HasMore bool
}

// Fetcher returns a page of raw items for a stream. Implementations are
// external platform bridges; a transient failure must surface as an error,
// never as an empty page.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Page, error)
}

// Normalizer maps one raw platform item into the unified schema.
type Normalizer func(item RawItem) (Document, error)

// EmbedResult is the outcome of one bulk embedding call.
type EmbedResult struct {
	Vectors [][]float32
	Errors  []string
}

// Embedder turns a batch of texts into vectors with exactly one backend
// call per invocation.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (EmbedResult, error)
}

// Point is one entry in the vector point store: a stable id, an optional
// vector, and a structured payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// CollectionSpec describes a point store collection.
type CollectionSpec struct {
	Name       string
	Dimensions int
}

// SearchQuery filters and orders a point store read. Filter entries match
// payload fields by equality. When Vector is set the store ranks by
// similarity instead of OrderBy. OrderByTime marks the order field as an
// RFC3339 timestamp so stores compare instants, not strings; mixed
// sub-second precision breaks lexicographic order.
type SearchQuery struct {
	Filter      map[string]any
	Vector      []float32
	OrderBy     string
	OrderByTime bool
	Descending  bool
	Limit       int
}

// ErrCollectionExists is returned by CreateCollection when the collection
// was created concurrently. Callers treat it as success.
var ErrCollectionExists = errors.New("collection already exists")

// ErrPointNotFound is returned by GetPoint for unknown ids.
var ErrPointNotFound = errors.New("point not found")

// PointStore is the consumed vector database contract.
type PointStore interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, query SearchQuery) ([]Point, error)
	GetPoint(ctx context.Context, collection, id string) (Point, error)
	Delete(ctx context.Context, collection string, ids []string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
