package repository

import (
	"context"
	"time"

	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// ImageRepository defines the interface for capture byte access
type ImageRepository interface {
	// Load resolves a record to its bytes and checks them against the record's content hash
	Load(ctx context.Context, record models.ImageRecord) ([]byte, error)

	// Store persists a new capture and returns the record describing it.
	// An empty name is replaced by a generated one.
	Store(ctx context.Context, name string, data []byte, capturedAt time.Time, pose models.SensorPose) (models.ImageRecord, error)
}

// ImageMetadata contains metadata read from an image header
type ImageMetadata struct {
	Format string
	Width  int
	Height int
}
