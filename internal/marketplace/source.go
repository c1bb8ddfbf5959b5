package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SourceConfig holds settings for the source marketplace client
type SourceConfig struct {
	BaseURL        string        `toml:"base_url"`
	APIKey         string        `toml:"api_key"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	PageSize       int           `toml:"page_size"`
}

// DefaultSourceConfig returns a SourceConfig with sensible defaults
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		RequestTimeout: 30 * time.Second,
		PageSize:       100,
	}
}

// SourceClient fetches pending catalog records from the source marketplace.
// The source paginates; LoadPendingItems walks all pages so the job total
// is locked from a single consistent listing.
type SourceClient struct {
	config SourceConfig
	client *http.Client
	logger *slog.Logger
}

// NewSourceClient creates a source marketplace client
func NewSourceClient(config SourceConfig, logger *slog.Logger) *SourceClient {
	return &SourceClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

// pendingPage is one page of the source's pending-items listing
type pendingPage struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// LoadPendingItems returns the full ordered list of items awaiting sync.
// The source keys the listing by jobID so repeated loads for the same job
// observe the same list, which restart recovery depends on.
func (c *SourceClient) LoadPendingItems(ctx context.Context, jobID string) ([]Item, error) {
	var items []Item
	cursor := ""

	for {
		page, err := c.fetchPage(ctx, jobID, cursor)
		if err != nil {
			return nil, err
		}

		items = append(items, page.Items...)

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.logger.Info("loaded pending items",
		"job_id", jobID,
		"count", len(items))

	return items, nil
}

// fetchPage requests a single page of the pending listing
func (c *SourceClient) fetchPage(ctx context.Context, jobID, cursor string) (*pendingPage, error) {
	url := fmt.Sprintf("%s/v1/catalog/pending?job_id=%s&limit=%d", c.config.BaseURL, jobID, c.config.PageSize)
	if cursor != "" {
		url += "&cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pending items request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("source returned status %d: %s", resp.StatusCode, string(body))
	}

	var page pendingPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode pending items page: %w", err)
	}

	return &page, nil
}
