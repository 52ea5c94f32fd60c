package studio

import "context"

// Editor is the upstream image API.
type Editor interface {
	TextToImage(ctx context.Context, prompt string) ([]byte, error)
	Erase(ctx context.Context, image, mask []byte) ([]byte, error)
	Inpaint(ctx context.Context, image, mask []byte, prompt string) ([]byte, error)
}

// Cache stores finished images keyed by request fingerprint.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
}

// ArtifactStorage archives result images and returns a readable URL.
type ArtifactStorage interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// HistoryRepository persists job records.
type HistoryRepository interface {
	Save(ctx context.Context, job *Job) error
	FindByID(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int) ([]*Job, error)
}

// EventPublisher forwards job events to a message broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, subject string, event interface{}) error
}

// Notifier pushes job events to live subscribers.
type Notifier interface {
	BroadcastJob(job *Job)
}
