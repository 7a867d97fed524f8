package models

import "encoding/json"

// APIResponse is the backend's uniform REST response shape.
type APIResponse struct {
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
