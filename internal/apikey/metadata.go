// Package apikey resolves raw API key credentials into customer metadata.
//
// Resolution is layered: a TTL-bounded in-process cache (Cache) sits in front
// of an HTTP client (HTTPClient) that calls the external key-management
// service's validation endpoint. The Service type ties the two together with
// get-or-validate semantics. Only positive validation results are ever
// cached — an invalid key is re-checked against the key-management service on
// every request so a freshly issued key becomes usable immediately.
package apikey

import "time"

// Metadata is the validated identity attached to an API key. It is created by
// the validation client from a successful remote validation and cached for a
// bounded TTL. Invalid keys never produce Metadata; they are represented as
// absence.
type Metadata struct {
	// CustomerID is the opaque identifier of the customer owning the key
	CustomerID string `json:"customerId"`
	// APIKeyID is the opaque identifier of the key record; may be empty in
	// responses from older key-management service versions
	APIKeyID string `json:"apiKeyId,omitempty"`
	// Permissions is the set of capability strings granted to the key
	Permissions []string `json:"permissions"`
	// RateLimit is the allowed requests per minute for this key
	RateLimit int `json:"rateLimit"`
	// Active is always true for cached metadata; carried for consumers that
	// serialize the struct
	Active bool `json:"active"`
	// ExpiresAt is the key's expiry timestamp when the backend reports one
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Mask returns a log-safe representation of a raw key: the first 8 characters
// followed by an ellipsis. Raw keys must never appear whole in logs.
func Mask(rawKey string) string {
	if len(rawKey) <= 8 {
		return rawKey + "..."
	}
	return rawKey[:8] + "..."
}
