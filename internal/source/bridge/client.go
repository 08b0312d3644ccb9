// Package bridge implements the Fetcher contract against the sidecar
// platform services that hold the actual Telegram and Twitter sessions.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// Config configures one bridge endpoint.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client fetches raw message pages from a bridge over HTTP.
type Client struct {
	source  indexing.Source
	baseURL string
	client  *http.Client
}

// New constructs a Client for one platform bridge.
func New(source indexing.Source, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		source:  source,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type pageResponse struct {
	Items   []json.RawMessage `json:"items"`
	HasMore bool              `json:"has_more"`
}

// Fetch requests one page of messages newer than the cursor.
func (c *Client) Fetch(ctx context.Context, req indexing.FetchRequest) (indexing.Page, error) {
	q := url.Values{}
	q.Set("stream", req.Stream.Name)
	if req.Stream.Topic > 0 {
		q.Set("topic", strconv.FormatInt(req.Stream.Topic, 10))
	}
	if !req.Cursor.Date.IsZero() {
		q.Set("after_date", req.Cursor.Date.UTC().Format(time.RFC3339))
	}
	if req.Cursor.ID != "" {
		q.Set("after_id", req.Cursor.ID)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	q.Set("direction", string(req.Direction))

	endpoint := fmt.Sprintf("%s/v1/messages?%s", c.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return indexing.Page{}, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return indexing.Page{}, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return indexing.Page{}, fmt.Errorf("bridge returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return indexing.Page{}, fmt.Errorf("decode bridge response: %w", err)
	}

	items := make([]indexing.RawItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		items = append(items, indexing.RawItem{Source: c.source, Payload: raw})
	}
	return indexing.Page{Items: items, HasMore: parsed.HasMore}, nil
}

// Probe checks the bridge health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	endpoint := c.baseURL + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge health returned %d", resp.StatusCode)
	}
	return nil
}
