package v1

import (
	"encoding/json"

	"github.com/stacklok/cloudkv/internal/status"
)

// Value type names used in requests and responses
const (
	TypeBool       = "bool"
	TypeInt        = "int"
	TypeDouble     = "double"
	TypeString     = "string"
	TypeData       = "data"
	TypeArray      = "array"
	TypeDictionary = "dictionary"
)

// KeyListResponse lists the keys in the store
type KeyListResponse struct {
	Keys []string `json:"keys"`
}

// ValueResponse is a single stored value. Data values are base64 encoded.
type ValueResponse struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// SetValueRequest is the body of PUT /v1/keys/{key}. Type is only needed for
// data values, which are sent as base64 strings.
type SetValueRequest struct {
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value"`
}

// SyncResponse is returned by POST /v1/sync and GET /v1/sync/status
type SyncResponse struct {
	Status status.SyncStatus `json:"status"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}
