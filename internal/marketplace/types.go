package marketplace

import "context"

// Item is one catalog record pending synchronization into the destination
// marketplace. The source marketplace supplies these; the orchestrator never
// looks inside beyond the ID.
type Item struct {
	ID          string            `json:"id"`
	SKU         string            `json:"sku"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	PriceCents  int64             `json:"price_cents"`
	Currency    string            `json:"currency"`
	Quantity    int               `json:"quantity"`
	CategoryID  string            `json:"category_id"`
	Brand       string            `json:"brand"`
	Images      []string          `json:"images"`
	Attributes  map[string]string `json:"attributes"`
}

// ItemSource supplies the finite, ordered list of work items for a job.
// The list must be stable for a given jobID so a restarted worker can
// resume at its recorded offset.
type ItemSource interface {
	LoadPendingItems(ctx context.Context, jobID string) ([]Item, error)
}

// Destination performs the actual write of one item into the destination
// marketplace. Errors it returns must be classified at this boundary
// (see Error) so the retry policy never has to inspect message text.
type Destination interface {
	ApplyItem(ctx context.Context, item Item) (listingID string, err error)
}
