package marketplace

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ThrottleReporter receives authentic downstream throttle signals. The rate
// gate implements this; the destination client reports a 429 the moment it
// sees one, before the classified error is returned to the caller.
type ThrottleReporter interface {
	ReportThrottled(retryAfter string) time.Time
}

// DestinationConfig holds settings for the destination marketplace client
type DestinationConfig struct {
	BaseURL        string        `toml:"base_url"`
	TokenURL       string        `toml:"token_url"`
	ClientID       string        `toml:"client_id"`
	ClientSecret   string        `toml:"client_secret"`
	MerchantID     string        `toml:"merchant_id"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// DefaultDestinationConfig returns a DestinationConfig with sensible defaults
func DefaultDestinationConfig() DestinationConfig {
	return DestinationConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// DestinationClient writes catalog records into the destination marketplace.
// The destination speaks XML and enforces a strict request-rate ceiling;
// token refresh is handled by the oauth2 client-credentials flow.
type DestinationClient struct {
	config   DestinationConfig
	client   *http.Client
	reporter ThrottleReporter
	logger   *slog.Logger
}

// NewDestinationClient creates a destination marketplace client. The
// reporter may be nil, in which case throttle responses are only returned
// as classified errors and never broadcast.
func NewDestinationClient(config DestinationConfig, reporter ThrottleReporter, logger *slog.Logger) *DestinationClient {
	cc := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
	}

	client := cc.Client(context.Background())
	client.Timeout = config.RequestTimeout

	return &DestinationClient{
		config:   config,
		client:   client,
		reporter: reporter,
		logger:   logger,
	}
}

// productPayload is the destination's XML product envelope
type productPayload struct {
	XMLName     xml.Name        `xml:"Product"`
	MerchantID  string          `xml:"MerchantId"`
	SKU         string          `xml:"Sku"`
	Title       string          `xml:"Title"`
	Description string          `xml:"Description"`
	Brand       string          `xml:"Brand,omitempty"`
	CategoryID  string          `xml:"CategoryId"`
	Price       string          `xml:"Price>Amount"`
	Currency    string          `xml:"Price>Currency"`
	Quantity    int             `xml:"Stock>Quantity"`
	Images      []imageElement  `xml:"Images>Image"`
	Attributes  []attributePair `xml:"Attributes>Attribute"`
}

type imageElement struct {
	URL   string `xml:"Url"`
	Order int    `xml:"Order,attr"`
}

type attributePair struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

// listingResponse is the destination's success envelope
type listingResponse struct {
	XMLName   xml.Name `xml:"Listing"`
	ListingID string   `xml:"ListingId"`
	Status    string   `xml:"Status"`
}

// errorResponse is the destination's error envelope
type errorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// buildPayload maps an Item onto the destination's XML schema
func (c *DestinationClient) buildPayload(item Item) productPayload {
	payload := productPayload{
		MerchantID:  c.config.MerchantID,
		SKU:         item.SKU,
		Title:       item.Title,
		Description: item.Description,
		Brand:       item.Brand,
		CategoryID:  item.CategoryID,
		Price:       fmt.Sprintf("%d.%02d", item.PriceCents/100, item.PriceCents%100),
		Currency:    item.Currency,
		Quantity:    item.Quantity,
	}

	for i, url := range item.Images {
		payload.Images = append(payload.Images, imageElement{URL: url, Order: i + 1})
	}
	for name, value := range item.Attributes {
		payload.Attributes = append(payload.Attributes, attributePair{Name: name, Value: value})
	}

	return payload
}

// ApplyItem pushes one item to the destination. A 429 is reported to the
// throttle reporter and returned as a rate-limited classified error; any
// other non-2xx status becomes a terminal classified error.
func (c *DestinationClient) ApplyItem(ctx context.Context, item Item) (string, error) {
	body, err := xml.Marshal(c.buildPayload(item))
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to encode product payload: %v", err)}
	}

	url := c.config.BaseURL + "/v2/listings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to build listing request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("listing request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		if c.reporter != nil {
			c.reporter.ReportThrottled(retryAfter)
		}

		c.logger.Warn("destination throttled request",
			"item_id", item.ID,
			"retry_after", retryAfter)

		return "", NewRateLimitError("request quota exceeded", retryAfter)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.classifyFailure(resp)
	}

	var listing listingResponse
	if err := xml.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return "", &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to decode listing response: %v", err),
		}
	}

	return listing.ListingID, nil
}

// classifyFailure converts a non-throttle error response into a classified
// terminal error, preserving the vendor code when the body parses
func (c *DestinationClient) classifyFailure(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope errorResponse
	if err := xml.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		return &Error{
			StatusCode: resp.StatusCode,
			VendorCode: envelope.Code,
			Message:    envelope.Message,
		}
	}

	return &Error{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("destination returned status %d", resp.StatusCode),
	}
}
