package model

// Queue topics
const (
	TaskTypeTranscode = "video:transcode"
)

// TranscodeJob is the queue payload produced when an upload finishes
type TranscodeJob struct {
	UploadID    string `json:"uploadId"`
	FilePath    string `json:"filePath"`
	InfoPath    string `json:"infoPath,omitempty"`
	Filename    string `json:"filename"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`
}

// Valid reports whether the job carries enough data to be processed
func (j *TranscodeJob) Valid() bool {
	return j.UploadID != "" && j.FilePath != ""
}
