package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type        string       `json:"type"`
	UploadID    string       `json:"uploadId"`
	Progress    int          `json:"progress"`
	Status      UploadStatus `json:"status"`
	CurrentStep string       `json:"currentStep,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type      string `json:"type"`
	UploadID  string `json:"uploadId"`
	StreamURL string `json:"streamUrl"`
}

// WSErrorMessage represents a failed job
type WSErrorMessage struct {
	Type     string  `json:"type"`
	UploadID string  `json:"uploadId"`
	Error    WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
