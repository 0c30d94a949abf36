package service

import (
	"context"
	"time"

	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/queue"
)

// RecordStore is the persistence contract shared by the lifecycle services.
// *store.Store implements it.
type RecordStore interface {
	Create(ctx context.Context, rec *model.UploadRecord) (*model.UploadRecord, error)
	Get(ctx context.Context, id string) (*model.UploadRecord, error)
	Update(ctx context.Context, id string, patch model.UploadPatch) (*model.UploadRecord, error)
	List(ctx context.Context) ([]*model.UploadRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListPendingCallbacks(ctx context.Context) ([]*model.UploadRecord, error)
	ListStale(ctx context.Context, status model.UploadStatus, cutoff time.Time) ([]*model.UploadRecord, error)
}

// JobPublisher hands a message to the job queue. *queue.Publisher implements it.
type JobPublisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

func ptr[T any](v T) *T { return &v }
