package marketplace

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ==============================================================================
// Test Helpers
// ==============================================================================

// fakeReporter records throttle reports
type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *fakeReporter) ReportThrottled(retryAfter string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, retryAfter)
	return time.Now().Add(time.Second)
}

func (r *fakeReporter) Reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

// tokenHandler serves the oauth2 client-credentials token endpoint
func tokenHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": "test-token",
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

// newDestinationServer builds a test server with a token endpoint and the
// given listings handler, plus a client pointed at it
func newDestinationServer(t *testing.T, reporter ThrottleReporter, listings http.HandlerFunc) (*DestinationClient, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler)
	mux.HandleFunc("/v2/listings", listings)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	config := DefaultDestinationConfig()
	config.BaseURL = server.URL
	config.TokenURL = server.URL + "/oauth/token"
	config.ClientID = "client-id"
	config.ClientSecret = "client-secret"
	config.MerchantID = "merchant-77"

	return NewDestinationClient(config, reporter, testLogger()), server
}

func sampleItem() Item {
	return Item{
		ID:          "item-1",
		SKU:         "SKU-1",
		Title:       "Walnut Desk Organizer",
		Description: "Five compartments, oiled finish",
		PriceCents:  4250,
		Currency:    "EUR",
		Quantity:    12,
		CategoryID:  "cat-home-office",
		Brand:       "Holzwerk",
		Images:      []string{"https://img.example/1.jpg", "https://img.example/2.jpg"},
		Attributes:  map[string]string{"material": "walnut"},
	}
}

// ==============================================================================
// Destination Client
// ==============================================================================

func TestDestinationClient_ApplyItemSuccess(t *testing.T) {
	var gotBody []byte
	var gotContentType string

	client, _ := newDestinationServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")

		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<Listing><ListingId>lst-900</ListingId><Status>ACTIVE</Status></Listing>`)
	})

	listingID, err := client.ApplyItem(context.Background(), sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "lst-900", listingID)
	assert.Equal(t, "application/xml", gotContentType)

	// The payload carries the merchant identity and the formatted price
	var payload productPayload
	require.NoError(t, xml.Unmarshal(gotBody, &payload))
	assert.Equal(t, "merchant-77", payload.MerchantID)
	assert.Equal(t, "SKU-1", payload.SKU)
	assert.Equal(t, "42.50", payload.Price)
	assert.Equal(t, "EUR", payload.Currency)
	assert.Equal(t, 12, payload.Quantity)
	require.Len(t, payload.Images, 2)
	assert.Equal(t, 1, payload.Images[0].Order)
	require.Len(t, payload.Attributes, 1)
	assert.Equal(t, "material", payload.Attributes[0].Name)
}

// TestDestinationClient_ThrottleReportedOnce verifies a 429 is reported to
// the gate exactly once, with the raw Retry-After header, and surfaces as a
// rate-limited classified error.
func TestDestinationClient_ThrottleReportedOnce(t *testing.T) {
	reporter := &fakeReporter{}

	client, _ := newDestinationServer(t, reporter, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ApplyItem(context.Background(), sampleItem())
	require.Error(t, err)

	assert.True(t, IsRateLimited(err))
	assert.Equal(t, "7", RetryAfterHint(err))
	assert.Equal(t, []string{"7"}, reporter.Reports())
}

// TestDestinationClient_ValidationErrorIsTerminal verifies a vendor error
// envelope becomes a terminal classified error with its code preserved.
func TestDestinationClient_ValidationErrorIsTerminal(t *testing.T) {
	reporter := &fakeReporter{}

	client, _ := newDestinationServer(t, reporter, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<Error><Code>INVALID_CATEGORY</Code><Message>category does not exist</Message></Error>`)
	})

	_, err := client.ApplyItem(context.Background(), sampleItem())
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))

	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, http.StatusBadRequest, me.StatusCode)
	assert.Equal(t, "INVALID_CATEGORY", me.VendorCode)
	assert.Equal(t, "category does not exist", me.Message)

	// Only throttle responses ever reach the reporter
	assert.Empty(t, reporter.Reports())
}

// TestDestinationClient_OpaqueFailureStillClassified verifies an error
// response with an unparseable body still carries the status code.
func TestDestinationClient_OpaqueFailureStillClassified(t *testing.T) {
	client, _ := newDestinationServer(t, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "gateway melted")
	})

	_, err := client.ApplyItem(context.Background(), sampleItem())
	require.Error(t, err)

	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, http.StatusInternalServerError, me.StatusCode)
	assert.False(t, IsRateLimited(err))
}

// ==============================================================================
// Source Client
// ==============================================================================

func TestSourceClient_LoadPendingItemsPaginates(t *testing.T) {
	var authHeaders []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(pendingPage{
				Items:      []Item{{ID: "item-1"}, {ID: "item-2"}},
				NextCursor: "page-2",
			})
		case "page-2":
			json.NewEncoder(w).Encode(pendingPage{
				Items: []Item{{ID: "item-3"}},
			})
		default:
			http.Error(w, "unknown cursor", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	config := DefaultSourceConfig()
	config.BaseURL = server.URL
	config.APIKey = "src-key"

	client := NewSourceClient(config, testLogger())

	items, err := client.LoadPendingItems(context.Background(), "job-1")
	require.NoError(t, err)

	require.Len(t, items, 3)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, "item-3", items[2].ID)

	require.Len(t, authHeaders, 2)
	assert.Equal(t, "Bearer src-key", authHeaders[0])
}

func TestSourceClient_ErrorStatusPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "catalog export in progress", http.StatusConflict)
	}))
	defer server.Close()

	config := DefaultSourceConfig()
	config.BaseURL = server.URL

	client := NewSourceClient(config, testLogger())

	_, err := client.LoadPendingItems(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 409")
}

// ==============================================================================
// Error Classification
// ==============================================================================

func TestErrorClassification(t *testing.T) {
	rateLimited := NewRateLimitError("quota exceeded", "30")
	assert.True(t, IsRateLimited(rateLimited))
	assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", rateLimited)))
	assert.Equal(t, "30", RetryAfterHint(rateLimited))

	terminal := &Error{StatusCode: 404, Message: "listing gone"}
	assert.False(t, IsRateLimited(terminal))
	assert.Equal(t, "", RetryAfterHint(terminal))

	assert.False(t, IsRateLimited(errors.New("plain")))
	assert.Equal(t, "", RetryAfterHint(errors.New("plain")))
}

func TestErrorFormatting(t *testing.T) {
	withCode := &Error{StatusCode: 400, VendorCode: "INVALID_SKU", Message: "bad sku"}
	assert.Equal(t, "marketplace: bad sku (status 400, code INVALID_SKU)", withCode.Error())

	bare := &Error{StatusCode: 503, Message: "unavailable"}
	assert.Equal(t, "marketplace: unavailable (status 503)", bare.Error())
}
