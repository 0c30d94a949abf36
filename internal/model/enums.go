package model

// Upload status
type UploadStatus string

const (
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

var ValidUploadStatuses = []UploadStatus{
	UploadStatusUploading, UploadStatusProcessing, UploadStatusCompleted, UploadStatusFailed,
}

// Terminal reports whether no further status transition is possible.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects the
// uploading -> processing -> {completed, failed} lifecycle.
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	switch s {
	case UploadStatusUploading:
		return next == UploadStatusUploading || next == UploadStatusProcessing
	case UploadStatusProcessing:
		return next == UploadStatusProcessing || next == UploadStatusCompleted || next == UploadStatusFailed
	default:
		return next == s
	}
}

// Callback delivery status
type CallbackStatus string

const (
	CallbackStatusNone      CallbackStatus = ""
	CallbackStatusPending   CallbackStatus = "pending"
	CallbackStatusCompleted CallbackStatus = "completed"
	CallbackStatusFailed    CallbackStatus = "failed"
)

// CanTransitionTo reports whether a delivery state change is allowed. Only
// pending moves; completed and failed are final.
func (s CallbackStatus) CanTransitionTo(next CallbackStatus) bool {
	if s == CallbackStatusPending {
		return next == CallbackStatusPending || next == CallbackStatusCompleted || next == CallbackStatusFailed
	}
	return next == s
}

// MaxCallbackAttempts bounds automatic webhook deliveries per upload.
const MaxCallbackAttempts = 4
