package model

// WebSocket message types
const (
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string            `json:"type"`
	JobID  string            `json:"jobId"`
	State  JobState          `json:"state"`
	Result *NormalizedResult `json:"result"`
}

// WSErrorMessage represents a failed job
type WSErrorMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"jobId"`
	State JobState `json:"state"`
	Error WSError  `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
