package model

// Outcome is the terminal result of a job as seen by the callback subsystem.
// It is either Completed or Failed.
type Outcome interface {
	Status() UploadStatus
	isOutcome()
}

// Completed carries the manifest URL of a successful job
type Completed struct {
	StreamURL string
}

// Failed carries the error message of a failed job
type Failed struct {
	Error string
}

func (Completed) Status() UploadStatus { return UploadStatusCompleted }
func (Failed) Status() UploadStatus    { return UploadStatusFailed }

func (Completed) isOutcome() {}
func (Failed) isOutcome()    {}

// OutcomeOf derives the outcome from a terminal record. It returns nil for
// records that are still uploading or processing.
func OutcomeOf(r *UploadRecord) Outcome {
	switch r.Status {
	case UploadStatusCompleted:
		return Completed{StreamURL: r.StreamURL}
	case UploadStatusFailed:
		return Failed{Error: r.Error}
	default:
		return nil
	}
}

// CallbackPayload is the JSON body POSTed to a callback URL
type CallbackPayload struct {
	VideoID   string       `json:"videoId"`
	Filename  string       `json:"filename"`
	Status    UploadStatus `json:"status"`
	StreamURL string       `json:"streamUrl,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// NewCallbackPayload builds the webhook body for an outcome
func NewCallbackPayload(videoID, filename string, outcome Outcome) CallbackPayload {
	payload := CallbackPayload{
		VideoID:  videoID,
		Filename: filename,
		Status:   outcome.Status(),
	}
	switch o := outcome.(type) {
	case Completed:
		payload.StreamURL = o.StreamURL
	case Failed:
		payload.Error = o.Error
	}
	return payload
}
