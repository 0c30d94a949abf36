package model

import "time"

// UploadRecord tracks one upload attempt from session creation to callback delivery
type UploadRecord struct {
	ID                  string         `json:"id"`
	Filename            string         `json:"filename"`
	FileSize            int64          `json:"filesize"`
	Status              UploadStatus   `json:"status"`
	Progress            int            `json:"progress"`
	StreamURL           string         `json:"streamUrl,omitempty"`
	Error               string         `json:"error,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	ExpiresAt           time.Time      `json:"expiresAt"`
	Packager            string         `json:"packager,omitempty"`
	CallbackURL         string         `json:"callbackUrl,omitempty"`
	CallbackStatus      CallbackStatus `json:"callbackStatus,omitempty"`
	CallbackRetryCount  int            `json:"callbackRetryCount"`
	CallbackLastAttempt *time.Time     `json:"callbackLastAttempt,omitempty"`
	StoragePath         string         `json:"storagePath,omitempty"`
}

// HasCallback reports whether a webhook should be delivered for this upload
func (r *UploadRecord) HasCallback() bool {
	return r.CallbackURL != ""
}

// UploadPatch lists the fields an update may change; nil means "leave as is".
// ExpectStatus turns the update into a compare-and-swap on the status field.
// IncCallbackRetry records one failed delivery attempt against the stored
// count rather than a value read earlier.
type UploadPatch struct {
	ExpectStatus        *UploadStatus
	Status              *UploadStatus
	Progress            *int
	StreamURL           *string
	Error               *string
	Packager            *string
	CallbackStatus      *CallbackStatus
	CallbackRetryCount  *int
	CallbackLastAttempt *time.Time
	IncCallbackRetry    bool
}

// CreateSessionRequest is the body of POST /api/uploads
type CreateSessionRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	FileSize    int64  `json:"filesize" validate:"required,gt=0"`
	CallbackURL string `json:"callbackUrl,omitempty" validate:"omitempty,url,startswith=http"`
	StoragePath string `json:"storagePath,omitempty" validate:"omitempty,max=512"`
}

// CreateSessionResponse is returned after a session has been registered
type CreateSessionResponse struct {
	UploadID  string    `json:"uploadId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadStatusResponse is the public view returned by GET /api/uploads/:id
type UploadStatusResponse struct {
	ID          string       `json:"id"`
	Filename    string       `json:"filename"`
	Status      UploadStatus `json:"status"`
	Progress    int          `json:"progress"`
	StreamURL   string       `json:"streamUrl,omitempty"`
	Error       string       `json:"error,omitempty"`
	Packager    string       `json:"packager,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// CallbackStatusResponse is returned by GET /api/uploads/:id/callback
type CallbackStatusResponse struct {
	ID                  string         `json:"id"`
	CallbackURL         string         `json:"callbackUrl,omitempty"`
	CallbackStatus      CallbackStatus `json:"callbackStatus,omitempty"`
	CallbackRetryCount  int            `json:"callbackRetryCount"`
	CallbackLastAttempt *time.Time     `json:"callbackLastAttempt,omitempty"`
}

func NewUploadStatusResponse(r *UploadRecord) *UploadStatusResponse {
	return &UploadStatusResponse{
		ID:          r.ID,
		Filename:    r.Filename,
		Status:      r.Status,
		Progress:    r.Progress,
		StreamURL:   r.StreamURL,
		Error:       r.Error,
		Packager:    r.Packager,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func NewCallbackStatusResponse(r *UploadRecord) *CallbackStatusResponse {
	return &CallbackStatusResponse{
		ID:                  r.ID,
		CallbackURL:         r.CallbackURL,
		CallbackStatus:      r.CallbackStatus,
		CallbackRetryCount:  r.CallbackRetryCount,
		CallbackLastAttempt: r.CallbackLastAttempt,
	}
}
