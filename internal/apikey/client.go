package apikey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client validates raw API keys against the external key-management service.
// Implementations return (nil, nil) when the service answered and the key is
// invalid, and a non-nil error when no authoritative answer was obtained
// (timeout, transport failure, malformed response). Callers treat both the
// same way — reject the request — but the distinction matters for logging.
type Client interface {
	Validate(ctx context.Context, rawKey string) (*Metadata, error)
}

type validateRequest struct {
	APIKey string `json:"apiKey"`
}

type validateResponse struct {
	Valid       bool       `json:"valid"`
	CustomerID  string     `json:"customerId"`
	APIKeyID    string     `json:"apiKeyId"`
	Permissions []string   `json:"permissions"`
	RateLimit   *int       `json:"rateLimit"`
	ExpiryDate  *time.Time `json:"expiryDate"`
	Reason      string     `json:"reason"`
}

// HTTPClient is the production Client implementation. It POSTs the raw key to
// the key-management service's validation endpoint with a bounded timeout.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a validation client for the key-management service at
// baseURL. timeout bounds the whole validation round trip; the reference
// deployment uses 5 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Validate calls POST /api/keys/validate. The remote service owns the key
// records; this client only translates its answer into Metadata.
func (c *HTTPClient) Validate(ctx context.Context, rawKey string) (*Metadata, error) {
	body, err := json.Marshal(validateRequest{APIKey: rawKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/keys/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("failed to decode validation response: %w", err)
	}

	if !vr.Valid {
		slog.Debug("key rejected by key-management service",
			"key", Mask(rawKey), "reason", vr.Reason)
		return nil, nil
	}

	meta := &Metadata{
		CustomerID:  vr.CustomerID,
		APIKeyID:    vr.APIKeyID,
		Permissions: vr.Permissions,
		Active:      true,
		ExpiresAt:   vr.ExpiryDate,
	}
	if meta.Permissions == nil {
		meta.Permissions = []string{}
	}
	if vr.RateLimit != nil {
		meta.RateLimit = *vr.RateLimit
	}

	return meta, nil
}
