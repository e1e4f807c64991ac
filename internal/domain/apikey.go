package domain

import "time"

// Capability gates one slice of the API surface.
type Capability string

const (
	CapNodes    Capability = "nodes"
	CapServers  Capability = "servers"
	CapUsers    Capability = "users"
	CapSettings Capability = "settings"
	CapImages   Capability = "images"
)

// APIKey represents an API key for authentication.
// The actual key is only returned once on creation.
type APIKey struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	KeyHash      string       `json:"-" db:"key_hash"` // Never expose hash
	KeyPrefix    string       `json:"key_prefix" db:"key_prefix"` // First 8 chars for identification
	Capabilities []Capability `json:"capabilities"`
	Visible      bool         `json:"visible" db:"visible"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	LastUsedAt   *time.Time   `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Clone returns a deep copy of the key.
func (k *APIKey) Clone() *APIKey {
	clone := *k
	clone.Capabilities = append([]Capability(nil), k.Capabilities...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}

// Has reports whether the key carries the given capability.
func (k *APIKey) Has(c Capability) bool {
	for _, have := range k.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CreateAPIKeyRequest is the request body for creating an API key.
type CreateAPIKeyRequest struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
}

// CreateAPIKeyResponse is returned when creating an API key.
// The key is only shown once.
type CreateAPIKeyResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Key          string       `json:"key"` // Only returned on creation
	KeyPrefix    string       `json:"key_prefix"`
	Capabilities []Capability `json:"capabilities"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Setting is one row of the settings table.
type Setting struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}
